// Package reliability provides retry policies for operations that fail
// transiently, such as dialing a broker that is still starting.
//
// Nothing in the client retries by itself. Callers that want retries wrap
// the operation:
//
//	policy := NewExponentialBackoff(500*time.Millisecond, 5*time.Second, 2.0, 5)
//	err := Retry(ctx, policy, func() error {
//	    return conn.Connect(ctx)
//	})
package reliability
