// Package interceptors wraps subscription handlers with cross-cutting
// behaviour such as logging, timeouts and filtering.
//
// Interceptors run in the order they are added, the final handler last:
//
//	handler := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewTimeoutInterceptor(30*time.Second),
//	).Then(process)
//
//	err := sub.Run(ctx, handler)
//
// An error returned by the chain is what the worker acknowledges on, so an
// interceptor that swallows an error also turns a requeue into an ack.
package interceptors
