package printer_test

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/reprap_telnet/config"
	"github.com/john/reprap_telnet/printer"
	"github.com/john/reprap_telnet/printer/printertest"
)

func dialFake(t *testing.T) (*printertest.Server, *printer.Client) {
	t.Helper()
	srv := printertest.NewServer(t)
	c, err := printer.Dial(srv.Host(), printer.WithTelnetPort(srv.Port()), printer.WithDialTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return srv, c
}

func waitForCommands(t *testing.T, srv *printertest.Server, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(srv.Commands()) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return srv.Commands()
}

func TestDial_OneConnectionClosedOnce(t *testing.T) {
	srv, c := dialFake(t)

	require.Eventually(t, func() bool { return srv.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool { return srv.Closed() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Connections())
}

func TestDial_Defaults(t *testing.T) {
	srv, c := dialFake(t)

	assert.Equal(t, srv.Host(), c.Host())
	assert.Equal(t, srv.Port(), c.TelnetPort())
	assert.Equal(t, printer.DefaultFTPPort, c.FTPPort())
}

func TestDial_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c, err := printer.Dial("127.0.0.1", printer.WithTelnetPort(addr.Port), printer.WithDialTimeout(time.Second))
	require.Error(t, err)
	assert.Nil(t, c)

	var connErr *printer.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, addr.String(), connErr.Addr)
}

func TestDialConfig(t *testing.T) {
	srv := printertest.NewServer(t)
	cfg := config.PrinterConfig{
		Host:        srv.Host(),
		TelnetPort:  srv.Port(),
		FTPPort:     2121,
		DialTimeout: 1,
	}

	c, err := printer.DialConfig(cfg, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 2121, c.FTPPort())
}

func TestHashFile(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{
			name:  "hash returned verbatim",
			lines: []string{"a94a8fe5ccb19ba61c4c0873d391e987982fbbd3"},
			want:  "a94a8fe5ccb19ba61c4c0873d391e987982fbbd3",
		},
		{
			name:  "missing file",
			lines: []string{"Cannot find file 0:/gcodes/part.g"},
			want:  "",
		},
		{
			name:  "skips one unsolicited error line",
			lines: []string{"Error: heater fault", "abcdef0123456789"},
			want:  "abcdef0123456789",
		},
		{
			name:  "second unsolicited error line is taken as the answer",
			lines: []string{"Error: a", "Error: b", "abc"},
			want:  "Error: b",
		},
		{
			name:  "missing file after unsolicited error line",
			lines: []string{"Error: heater fault", "Cannot find file 0:/gcodes/part.g"},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, c := dialFake(t)
			srv.Handle("M38", tt.lines...)

			got, err := c.HashFile("0:/gcodes/part.g")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{"M38 0:/gcodes/part.g"}, srv.Commands())
		})
	}
}

func TestPrintFile_SendsWithoutReading(t *testing.T) {
	srv, c := dialFake(t)
	srv.Handle("M32", "ok")

	require.NoError(t, c.PrintFile("0:/gcodes/benchy.g"))

	cmds := waitForCommands(t, srv, 1)
	assert.Equal(t, []string{"M32 0:/gcodes/benchy.g"}, cmds)

	// The reply is still unread.
	line, err := c.ReadResponseLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", line)
}

func TestGetStatusResponse(t *testing.T) {
	srv, c := dialFake(t)
	srv.Handle("M408", `{"status":"P","fraction_printed":42}`)

	status, err := c.GetStatusResponse(2)
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.Equal(t, "P", status.Code())
	assert.Equal(t, 42.0, status.Float("fraction_printed"))
}

func TestGetStatusResponse_EmptyLine(t *testing.T) {
	srv, c := dialFake(t)
	srv.Handle("M408", "")

	status, err := c.GetStatusResponse(2)
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestGetStatusResponse_Malformed(t *testing.T) {
	srv, c := dialFake(t)
	srv.Handle("M408", `{"status":"P",`)

	status, err := c.GetStatusResponse(2)
	assert.Nil(t, status)

	var parseErr *printer.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, `{"status":"P",`, parseErr.Line)
}

func TestGetStatusResponse_LevelClamped(t *testing.T) {
	tests := []struct {
		level int
		want  string
	}{
		{level: 0, want: "M408 S0"},
		{level: 1, want: "M408 S1"},
		{level: 2, want: "M408 S2"},
		{level: 5, want: "M408 S2"},
		{level: -1, want: "M408 S0"},
	}

	for _, tt := range tests {
		srv, c := dialFake(t)
		srv.Handle("M408", `{"status":"I"}`)

		_, err := c.GetStatusResponse(tt.level)
		require.NoError(t, err)
		assert.Equal(t, []string{tt.want}, srv.Commands(), "level %d", tt.level)
	}
}

func TestIsPrinting(t *testing.T) {
	tests := []struct {
		name string
		line string
		want bool
	}{
		{name: "printing", line: `{"status":"P"}`, want: true},
		{name: "idle", line: `{"status":"I"}`, want: false},
		{name: "no status", line: "", want: false},
		{name: "status field missing", line: `{"seq":3}`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, c := dialFake(t)
			srv.Handle("M408", tt.line)

			got, err := c.IsPrinting()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, []string{"M408 S2"}, srv.Commands())
		})
	}
}

func TestCommandsKeepIssueOrder(t *testing.T) {
	srv, c := dialFake(t)
	srv.Handle("M408", `{"status":"I"}`)
	srv.Handle("M38", "0123abcd")

	require.NoError(t, c.PrintFile("a.g"))
	_, err := c.GetStatusResponse(1)
	require.NoError(t, err)
	_, err = c.HashFile("b.g")
	require.NoError(t, err)
	require.NoError(t, c.PrintFile("c.g"))
	require.NoError(t, c.SendRawCommand("M115\n"))

	cmds := waitForCommands(t, srv, 5)
	assert.Equal(t, []string{"M32 a.g", "M408 S1", "M38 b.g", "M32 c.g", "M115"}, cmds)
}

func TestReadResponseLine_TimeoutIsNotAnError(t *testing.T) {
	srv, c := dialFake(t)

	require.NoError(t, c.SendRawCommand("M115\n"))
	waitForCommands(t, srv, 1)

	start := time.Now()
	line, err := c.ReadResponseLine(100 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, line)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestReadResponseLine_TimeoutReturnsPartialLine(t *testing.T) {
	srv, c := dialFake(t)
	srv.HandleRaw("M115", "FIRMWARE_NAME: RepRapFirmware")

	require.NoError(t, c.SendRawCommand("M115\n"))

	line, err := c.ReadResponseLine(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "FIRMWARE_NAME: RepRapFirmware", line)
}

func TestReadResponseLine_EndOfStream(t *testing.T) {
	srv, c := dialFake(t)
	srv.HangUpOn("M32")

	require.NoError(t, c.PrintFile("a.g"))

	_, err := c.ReadResponseLine(2 * time.Second)
	require.ErrorIs(t, err, printer.ErrEndOfStream)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReadResponseLine_EndOfStreamMidLine(t *testing.T) {
	srv, c := dialFake(t)
	srv.HandleRaw("M999", "rese")
	srv.HangUpOn("M999")

	require.NoError(t, c.SendRawCommand("M999\n"))

	line, err := c.ReadResponseLine(2 * time.Second)
	require.ErrorIs(t, err, printer.ErrEndOfStream)
	assert.Equal(t, "rese", line)
}

func TestHashFile_EndOfStream(t *testing.T) {
	srv, c := dialFake(t)
	srv.HangUpOn("M38")

	got, err := c.HashFile("a.g")
	require.ErrorIs(t, err, printer.ErrEndOfStream)
	assert.Empty(t, got)
}

func TestReadResponseLine_CloseWhileBlocked(t *testing.T) {
	_, c := dialFake(t)

	errc := make(chan error, 1)
	go func() {
		_, err := c.ReadResponseLine(5 * time.Second)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, printer.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("read was not interrupted by Close")
	}
}

func TestClosedClient(t *testing.T) {
	_, c := dialFake(t)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.SendRawCommand("M115\n"), printer.ErrClosed)
	assert.ErrorIs(t, c.PrintFile("a.g"), printer.ErrClosed)

	_, err := c.ReadResponseLine(time.Second)
	assert.ErrorIs(t, err, printer.ErrClosed)

	_, err = c.IsPrinting()
	assert.ErrorIs(t, err, printer.ErrClosed)
}

func TestTelnetNegotiationIsStripped(t *testing.T) {
	srv := printertest.NewServer(t)
	srv.Greet([]byte{255, 251, 1, 255, 253, 3, 255, 250, 24, 1, 255, 240})
	srv.Handle("M408", `{"status":"A"}`)

	c, err := printer.Dial(srv.Host(), printer.WithTelnetPort(srv.Port()))
	require.NoError(t, err)
	defer c.Close()

	status, err := c.GetStatusResponse(2)
	require.NoError(t, err)
	assert.Equal(t, printer.StatusPaused, status.Code())
}

func TestNewClient_StripsLineTerminators(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	c := printer.NewClient(local, printer.WithFTPPort(2121))
	defer c.Close()

	assert.Equal(t, printer.DefaultTelnetPort, c.TelnetPort())
	assert.Equal(t, 2121, c.FTPPort())

	go remote.Write([]byte("ok\r\nok\n"))

	for i := 0; i < 2; i++ {
		line, err := c.ReadResponseLine(time.Second)
		require.NoError(t, err)
		assert.Equal(t, "ok", line)
	}
}
