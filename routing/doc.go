// Package routing implements the AMQP 0-9-1 exchange routing rules used by the
// in-memory broker and by tests that reason about where a message lands.
//
//   - direct: binding pattern equals the routing key (case-sensitive)
//   - fanout: every binding matches, the routing key is ignored
//   - topic:  dot-separated words; "*" matches exactly one word and "#" zero or
//     more words; matching is anchored on both ends
package routing
