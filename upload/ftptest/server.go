// Package ftptest provides a minimal scripted FTP server for tests. It
// speaks just enough of RFC 959 (passive mode, STOR) to accept uploads.
package ftptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
)

// Server is an in-process FTP endpoint that keeps uploaded files in memory.
type Server struct {
	ln net.Listener

	mu          sync.Mutex
	user        string
	password    string
	rejectLogin bool
	quitReply   string
	files       map[string][]byte
	commands    []string
	conns       map[net.Conn]struct{}
	closing     bool

	wg sync.WaitGroup
}

// NewServer starts an FTP server on a loopback port accepting user and
// password. It is shut down when the test finishes.
func NewServer(t testing.TB, user, password string) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ftptest: listen: %v", err)
	}

	s := &Server{
		ln:        ln,
		user:      user,
		password:  password,
		quitReply: "221 Goodbye",
		files:     make(map[string][]byte),
		conns:     make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the control address as host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// RejectLogin makes every PASS fail with 530.
func (s *Server) RejectLogin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectLogin = true
}

// QuitReply sets the reply line sent for QUIT.
func (s *Server) QuitReply(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quitReply = line
}

// File returns the content stored at path and whether it exists.
func (s *Server) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return data, ok
}

// Commands returns the command verbs received so far, in arrival order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]string, len(s.commands))
	copy(result, s.commands)
	return result
}

// Count returns how many times verb was received.
func (s *Server) Count(verb string) int {
	n := 0
	for _, c := range s.Commands() {
		if c == verb {
			n++
		}
	}
	return n
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
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

type session struct {
	conn net.Conn
	w    *bufio.Writer
	user string
	data net.Listener
}

func (ss *session) reply(format string, args ...interface{}) error {
	fmt.Fprintf(ss.w, format+"\r\n", args...)
	return ss.w.Flush()
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	ss := &session{conn: conn, w: bufio.NewWriter(conn)}
	defer func() {
		if ss.data != nil {
			ss.data.Close()
		}
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	if ss.reply("220 reprap ftptest ready") != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		s.mu.Lock()
		s.commands = append(s.commands, verb)
		s.mu.Unlock()

		if done := s.handle(ss, verb, arg); done {
			return
		}
	}
}

// handle answers one command and reports whether the session is over.
func (s *Server) handle(ss *session, verb, arg string) bool {
	var err error
	switch verb {
	case "USER":
		ss.user = arg
		err = ss.reply("331 Password required")
	case "PASS":
		s.mu.Lock()
		ok := !s.rejectLogin && ss.user == s.user && arg == s.password
		s.mu.Unlock()
		if ok {
			err = ss.reply("230 Logged in")
		} else {
			err = ss.reply("530 Login incorrect")
		}
	case "SYST":
		err = ss.reply("215 UNIX Type: L8")
	case "FEAT":
		err = ss.reply("211 No features")
	case "PWD":
		err = ss.reply(`257 "/" is current directory`)
	case "TYPE", "MODE", "STRU", "OPTS", "NOOP", "CWD":
		err = ss.reply("200 OK")
	case "EPSV", "PASV":
		err = s.passive(ss, verb)
	case "STOR":
		err = s.store(ss, arg)
	case "QUIT":
		s.mu.Lock()
		quit := s.quitReply
		s.mu.Unlock()
		ss.reply(quit)
		return true
	default:
		err = ss.reply("502 Command not implemented")
	}
	return err != nil
}

func (s *Server) passive(ss *session, verb string) error {
	if ss.data != nil {
		ss.data.Close()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return ss.reply("425 Cannot open data connection")
	}
	ss.data = ln
	port := ln.Addr().(*net.TCPAddr).Port

	if verb == "EPSV" {
		return ss.reply("229 Entering Extended Passive Mode (|||%d|)", port)
	}
	return ss.reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", port>>8, port&0xff)
}

func (s *Server) store(ss *session, path string) error {
	if ss.data == nil {
		return ss.reply("425 Use PASV first")
	}
	ln := ss.data
	ss.data = nil
	defer ln.Close()

	if err := ss.reply("150 Opening data connection"); err != nil {
		return err
	}

	ln.(*net.TCPListener).SetDeadline(time.Now().Add(5 * time.Second))
	dc, err := ln.Accept()
	if err != nil {
		return ss.reply("425 Data connection failed")
	}
	data, err := io.ReadAll(dc)
	dc.Close()
	if err != nil {
		return ss.reply("426 Transfer aborted")
	}

	s.mu.Lock()
	s.files[path] = data
	s.mu.Unlock()
	return ss.reply("226 Transfer complete")
}
