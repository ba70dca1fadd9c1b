package printer

import (
	"errors"
	"fmt"
	"io"
)

// ErrEndOfStream is returned when the printer closes the telnet connection
// while a response line is awaited. The client is unusable afterwards.
var ErrEndOfStream = fmt.Errorf("printer closed the connection: %w", io.EOF)

// ErrClosed is returned by any operation on a client that has been closed.
var ErrClosed = errors.New("printer client is closed")

// ConnectionError reports a failure to open the telnet connection.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("telnet connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ParseError reports a status response that is not valid JSON.
// Line holds the raw response as received.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing status response %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
