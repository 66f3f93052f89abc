package routing

import (
	"errors"
	"fmt"
)

// ExchangeKind is the routing algorithm of an exchange
type ExchangeKind string

const (
	Direct ExchangeKind = "direct"
	Fanout ExchangeKind = "fanout"
	Topic  ExchangeKind = "topic"
)

// ErrUnknownKind is returned for exchange types this module does not route
var ErrUnknownKind = errors.New("routing: unknown exchange kind")

// ParseKind converts an AMQP exchange type string into an ExchangeKind
func ParseKind(kind string) (ExchangeKind, error) {
	k := ExchangeKind(kind)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return k, nil
}

// Valid reports whether the kind is one of direct, fanout or topic
func (k ExchangeKind) Valid() bool {
	switch k {
	case Direct, Fanout, Topic:
		return true
	}
	return false
}

func (k ExchangeKind) String() string {
	return string(k)
}
