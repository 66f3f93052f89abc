// Package contracts defines the message exchanged by every producer and consumer
// in this module and its wire codec.
//
// A Message is the record {id, content}. On the wire it is a UTF-8 JSON object:
//
//	{"id":1,"content":"Hello from RabbitMQ!"}
//
// Decode is strict about the shape (both fields present, id within uint32) and
// reports failures as *DecodeError so consumer loops can tell a poison message
// apart from a broker failure.
package contracts
