package signal

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an alert could not be turned into a TradeIntent.
type ErrorKind string

const (
	// KindNotASignal means the text is not a trading alert at all. It is a
	// filter, not a failure.
	KindNotASignal      ErrorKind = "NOT_A_SIGNAL"
	KindMalformed       ErrorKind = "MALFORMED"
	KindInvalidQuantity ErrorKind = "INVALID_QUANTITY"
)

type ParseError struct {
	Kind   ErrorKind
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func newError(kind ErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf returns the ParseError kind carried by err, if any.
func KindOf(err error) (ErrorKind, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}
