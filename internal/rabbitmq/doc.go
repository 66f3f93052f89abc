// Package rabbitmq implements the AMQP 0-9-1 client contract used by the work
// patterns: connection, channel, topology declaration, publishing and the
// consumer loop.
//
// This package includes:
//   - ConnectionManager: Opens and holds one broker connection (no reconnect)
//   - Channel: Serialises requests on one AMQP channel and tracks its closure
//   - TopologyManager: Declares exchanges, queues, and bindings
//   - Publisher: Publishes messages, verifying the route exists first
//   - Consumer: Subscribes to queues and yields a pull-based DeliveryStream
//   - Worker: Decodes, handles and acknowledges deliveries one at a time
//
// All broker access goes through the Conn and Chan interfaces. DialAMQP backs
// them with github.com/rabbitmq/amqp091-go; internal/memory provides an
// in-process broker with the same semantics for tests and local runs.
package rabbitmq
