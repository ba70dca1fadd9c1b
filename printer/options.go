package printer

import (
	"io"
	"log/slog"
	"time"
)

const (
	DefaultTelnetPort  = 23
	DefaultFTPPort     = 21
	DefaultDialTimeout = 10 * time.Second
)

// Option configures a Client.
type Option func(*options)

type options struct {
	telnetPort  int
	ftpPort     int
	dialTimeout time.Duration
	logger      *slog.Logger
}

func defaultOptions() options {
	return options{
		telnetPort:  DefaultTelnetPort,
		ftpPort:     DefaultFTPPort,
		dialTimeout: DefaultDialTimeout,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithTelnetPort overrides the control connection port.
func WithTelnetPort(port int) Option {
	return func(o *options) {
		if port > 0 {
			o.telnetPort = port
		}
	}
}

// WithFTPPort records the port of the printer's FTP server. The client
// itself never connects to it; see the upload package.
func WithFTPPort(port int) Option {
	return func(o *options) {
		if port > 0 {
			o.ftpPort = port
		}
	}
}

// WithDialTimeout bounds how long Dial waits for the connection.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.dialTimeout = d
		}
	}
}

// WithLogger sets the logger used for wire tracing at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
