package routing

import "strings"

// Binding links a queue to an exchange through a routing pattern
type Binding struct {
	Queue   string
	Pattern string
}

// Matches reports whether a binding pattern accepts a routing key for the given
// exchange kind.
func Matches(kind ExchangeKind, pattern, routingKey string) bool {
	switch kind {
	case Fanout:
		return true
	case Direct:
		return pattern == routingKey
	case Topic:
		return TopicMatch(pattern, routingKey)
	}
	return false
}

// Route returns the queues that receive a message published with routingKey.
// A queue with several matching bindings appears once, in the order of its
// first matching binding.
func Route(kind ExchangeKind, bindings []Binding, routingKey string) []string {
	var queues []string
	seen := make(map[string]struct{})
	for _, b := range bindings {
		if _, ok := seen[b.Queue]; ok {
			continue
		}
		if Matches(kind, b.Pattern, routingKey) {
			seen[b.Queue] = struct{}{}
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

// TopicMatch checks a routing key against a topic binding pattern.
// Rules:
//   - both are split on '.' into words; the empty string has no words
//   - '*' matches exactly one word
//   - '#' matches zero or more words and may appear at any position
//   - the whole key must be consumed by the whole pattern
func TopicMatch(pattern, routingKey string) bool {
	if pattern == routingKey {
		return true
	}
	return matchWords(splitWords(pattern), splitWords(routingKey))
}

func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ".")
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			for len(rest) > 0 && rest[0] == "#" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
