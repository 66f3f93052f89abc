package contracts

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyBody       = errors.New("contracts: empty message body")
	ErrInvalidEncoding = errors.New("contracts: message body is not valid UTF-8")
	ErrMissingField    = errors.New("contracts: missing required field")
)

// maxBodyPreview bounds how much of a bad body is kept for logging
const maxBodyPreview = 128

// DecodeError reports a delivery body that does not parse as a Message
type DecodeError struct {
	Body string // Offending body, truncated
	Err  error  // Underlying error
}

func newDecodeError(body []byte, err error) *DecodeError {
	preview := body
	suffix := ""
	if len(preview) > maxBodyPreview {
		n := maxBodyPreview
		for n > 0 && !utf8.RuneStart(preview[n]) {
			n--
		}
		preview, suffix = preview[:n], "..."
	}
	return &DecodeError{Body: strings.ToValidUTF8(string(preview), "\uFFFD") + suffix, Err: err}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err is, or wraps, a DecodeError
func IsDecodeError(err error) bool {
	var decodeErr *DecodeError
	return errors.As(err, &decodeErr)
}
