// Package printertest provides a scripted telnet printer for tests.
package printertest

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type reply struct {
	prefix string
	raw    string
}

// Server is a fake RepRapFirmware telnet endpoint. It answers each command
// line with the reply registered for the longest matching prefix and
// records every line it receives.
type Server struct {
	ln net.Listener

	mu       sync.Mutex
	replies  []reply
	hangups  []string
	greeting []byte
	commands []string
	conns    map[net.Conn]struct{}
	accepted int
	closed   int
	closing  bool

	wg sync.WaitGroup
}

// NewServer starts a fake printer on a loopback port. It is shut down when
// the test finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("printertest: listen: %v", err)
	}

	s := &Server{
		ln:    ln,
		conns: make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listen address as host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the listen host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listen port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// Handle registers response lines for commands starting with prefix.
// Each line is sent with a "\r\n" terminator.
func (s *Server) Handle(prefix string, lines ...string) {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	s.HandleRaw(prefix, b.String())
}

// HandleRaw registers bytes sent verbatim for commands starting with prefix.
func (s *Server) HandleRaw(prefix, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply{prefix: prefix, raw: raw})
}

// HangUpOn makes the server close the connection after answering a
// command starting with prefix.
func (s *Server) HangUpOn(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups = append(s.hangups, prefix)
}

// Greet sets bytes written to every new connection before any command.
func (s *Server) Greet(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greeting = raw
}

// Commands returns the command lines received so far, in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, len(s.commands))
	copy(result, s.commands)
	return result
}

// Connections returns the number of accepted connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Closed returns the number of connections closed by the client.
func (s *Server) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting and drops open connections.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	s.ln.Close()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.accepted++
		greeting := s.greeting
		s.mu.Unlock()

		if len(greeting) > 0 {
			conn.Write(greeting)
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")

		s.mu.Lock()
		s.commands = append(s.commands, line)
		raw := s.lookup(line)
		hangup := matchesAny(s.hangups, line)
		s.mu.Unlock()

		if raw != "" {
			if _, err := io.WriteString(conn, raw); err != nil {
				return
			}
		}
		if hangup {
			return
		}
	}

	if sc.Err() != nil {
		return
	}
	// Clean EOF: the client closed its side.
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

// lookup must be called with s.mu held.
func (s *Server) lookup(line string) string {
	best := -1
	for i, r := range s.replies {
		if strings.HasPrefix(line, r.prefix) && (best < 0 || len(r.prefix) >= len(s.replies[best].prefix)) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return s.replies[best].raw
}

func matchesAny(prefixes []string, line string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}
