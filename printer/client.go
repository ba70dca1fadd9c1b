package printer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/john/reprap_telnet/config"
)

const (
	// DefaultReadTimeout bounds a single response read.
	DefaultReadTimeout = 10 * time.Second
	// HashTimeout bounds the M38 answer; hashing large files is slow.
	HashTimeout = 120 * time.Second
)

// Client wraps the telnet connection to a RepRapFirmware printer.
//
// A Client is not safe for concurrent use: every command is a write
// followed by a read on the same stream, and interleaving two of them
// would mix up the responses. Close may be called from any goroutine.
type Client struct {
	host       string
	telnetPort int
	ftpPort    int
	logger     *slog.Logger

	conn   net.Conn
	reader *bufio.Reader

	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial opens the telnet connection to host. A failure is returned as a
// *ConnectionError; there is no retry.
func Dial(host string, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(o.telnetPort))
	conn, err := net.DialTimeout("tcp", addr, o.dialTimeout)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	c := newClient(conn, host, o)
	c.logger.Debug("connected to printer", "addr", addr)
	return c, nil
}

// DialConfig dials the printer described by cfg.
func DialConfig(cfg config.PrinterConfig, logger *slog.Logger) (*Client, error) {
	return Dial(cfg.Host,
		WithTelnetPort(cfg.TelnetPort),
		WithFTPPort(cfg.FTPPort),
		WithDialTimeout(time.Duration(cfg.DialTimeout)*time.Second),
		WithLogger(logger),
	)
}

// NewClient wraps an already established connection. The client takes
// ownership of conn and closes it on Close.
func NewClient(conn net.Conn, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return newClient(conn, host, o)
}

func newClient(conn net.Conn, host string, o options) *Client {
	return &Client{
		host:       host,
		telnetPort: o.telnetPort,
		ftpPort:    o.ftpPort,
		logger:     o.logger,
		conn:       conn,
		reader:     bufio.NewReader(newTelnetReader(conn)),
	}
}

// Host returns the printer's host name or address.
func (c *Client) Host() string {
	return c.host
}

// TelnetPort returns the port of the control connection.
func (c *Client) TelnetPort() int {
	return c.telnetPort
}

// FTPPort returns the configured FTP port. It is not used by the client.
func (c *Client) FTPPort() int {
	return c.ftpPort
}

// Close closes the telnet connection. Calling it again is a no-op and
// returns nil.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		c.logger.Debug("printer connection closed", "host", c.host)
	})
	return err
}

// SendRawCommand writes line to the printer exactly as given, including
// its terminator. Prefer the named command methods.
func (c *Client) SendRawCommand(line string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.logger.Debug("sending", "line", strings.TrimRight(line, "\r\n"))
	if _, err := io.WriteString(c.conn, line); err != nil {
		return fmt.Errorf("sending %q: %w", strings.TrimRight(line, "\r\n"), err)
	}
	return nil
}

// ReadResponseLine reads one line from the printer, without its trailing
// "\r\n". If timeout expires first, whatever was received so far is
// returned with a nil error; that data is not delivered again. A timeout
// of zero or less waits indefinitely. A read cut short by Close returns
// ErrClosed. Prefer the named command methods.
func (c *Client) ReadResponseLine(timeout time.Duration) (string, error) {
	if c.closed.Load() {
		return "", ErrClosed
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("setting read deadline: %w", err)
	}

	s, err := c.reader.ReadString('\n')
	line := strings.TrimRight(s, "\r\n")

	switch {
	case err == nil:
	case c.closed.Load():
		return line, ErrClosed
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.logger.Debug("read timed out", "timeout", timeout, "partial", line)
		return line, nil
	case errors.Is(err, io.EOF):
		return line, ErrEndOfStream
	default:
		return line, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("received", "line", line)
	return line, nil
}

// HashFile asks the firmware for the SHA1 hash of the file at path (M38).
// An empty result with a nil error means the file does not exist or could
// not be hashed.
func (c *Client) HashFile(path string) (string, error) {
	if err := c.SendRawCommand(hashCommand(path)); err != nil {
		return "", err
	}

	line, err := c.ReadResponseLine(HashTimeout)
	if err != nil {
		return "", err
	}
	line, err = c.skipSpuriousMessage(line)
	if err != nil {
		return "", err
	}

	if isFileNotFound(line) {
		return "", nil
	}
	return line, nil
}

// skipSpuriousMessage discards line if it looks like an unsolicited
// firmware message and reads the next one in its place. Only one line is
// ever skipped; a second unsolicited message is taken as the answer.
func (c *Client) skipSpuriousMessage(line string) (string, error) {
	if !isSpuriousMessage(line) {
		return line, nil
	}
	c.logger.Debug("skipping unsolicited message", "line", line)
	return c.ReadResponseLine(DefaultReadTimeout)
}

// PrintFile selects the file at path and starts printing it (M32).
// No response is read; use IsPrinting to observe the result.
func (c *Client) PrintFile(path string) error {
	return c.SendRawCommand(printCommand(path))
}

// GetStatusResponse requests a JSON status report (M408). Levels above
// MaxStatusLevel are sent as MaxStatusLevel. A nil Status with a nil error
// means the printer sent nothing usable. Malformed JSON is reported as a
// *ParseError.
func (c *Client) GetStatusResponse(level int) (Status, error) {
	if err := c.SendRawCommand(statusCommand(level)); err != nil {
		return nil, err
	}

	line, err := c.ReadResponseLine(DefaultReadTimeout)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, nil
	}

	var status Status
	if err := json.Unmarshal([]byte(line), &status); err != nil {
		return nil, &ParseError{Line: line, Err: err}
	}
	return status, nil
}

// IsPrinting reports whether the printer says it is printing. No status
// at all counts as not printing.
func (c *Client) IsPrinting() (bool, error) {
	status, err := c.GetStatusResponse(DefaultStatusLevel)
	if err != nil {
		return false, err
	}
	if status == nil {
		return false, nil
	}
	return status.Printing(), nil
}
