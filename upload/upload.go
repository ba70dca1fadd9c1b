// Package upload sends gcode files to the printer's FTP server and checks
// them against the hash the firmware computes (M38).
//
// The telnet client in package printer never touches this channel; the
// two are tied together only by the printer host and the configured FTP
// port.
package upload

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gonzalop/ftp"

	"github.com/john/reprap_telnet/config"
)

var (
	// ErrRemoteMissing means the printer could not find or hash the file.
	ErrRemoteMissing = errors.New("remote file missing or unhashable")
	// ErrHashMismatch means the remote file differs from the local one.
	ErrHashMismatch = errors.New("remote hash does not match local file")
)

// Hasher computes the hash of a file stored on the printer.
// *printer.Client satisfies it.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Uploader owns one FTP control connection to the printer.
type Uploader struct {
	client    *ftp.Client
	remoteDir string
	logger    *slog.Logger

	// FTP allows one transfer per control connection at a time.
	mu        sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the FTP server at addr and logs in.
func Dial(addr string, cfg config.FTPConfig, logger *slog.Logger) (*Uploader, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := ftp.Dial(addr, ftp.WithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp connect to %s: %w", addr, err)
	}
	if err := client.Login(cfg.User, cfg.Password); err != nil {
		client.Quit()
		return nil, fmt.Errorf("ftp login as %s: %w", cfg.User, err)
	}

	logger.Debug("ftp connected", "addr", addr, "user", cfg.User)
	return &Uploader{
		client:    client,
		remoteDir: cfg.RemoteDir,
		logger:    logger,
	}, nil
}

// RemotePath joins a file name onto a printer directory.
func RemotePath(dir, name string) string {
	if dir == "" {
		return name
	}
	return path.Join("/", strings.TrimSuffix(dir, "/"), name)
}

// RemotePath places name in the configured remote directory.
func (u *Uploader) RemotePath(name string) string {
	return RemotePath(u.remoteDir, name)
}

// progressStep is how many bytes pass between progress log lines.
var progressStep int64 = 1 << 20

// Store uploads everything read from r to remotePath. Progress is logged
// at debug level every progressStep bytes.
func (u *Uploader) Store(remotePath string, r io.Reader) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	start := time.Now()
	var sent, next int64 = 0, progressStep
	pr := &ftp.ProgressReader{
		Reader: r,
		Callback: func(n int64) {
			sent = n
			if n >= next {
				u.logger.Debug("upload progress", "path", remotePath, "bytes", n)
				next = n + progressStep
			}
		},
	}
	if err := u.client.Store(remotePath, pr); err != nil {
		return fmt.Errorf("storing %s: %w", remotePath, err)
	}

	u.logger.Debug("upload finished", "path", remotePath, "bytes", sent, "elapsed", time.Since(start))
	return nil
}

// StoreFile uploads the local file at localPath to remotePath. It goes
// through Store so the transfer shares the lock and progress logging.
func (u *Uploader) StoreFile(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	return u.Store(remotePath, f)
}

// StoreAsync uploads in the background. The returned channel receives
// exactly one result and is then closed.
func (u *Uploader) StoreAsync(localPath, remotePath string) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- u.StoreFile(localPath, remotePath)
	}()
	return done
}

// Close ends the FTP session. Calling it again is a no-op and returns nil.
func (u *Uploader) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		err = u.client.Quit()
	})
	return err
}

// HashLocal returns the hex SHA1 of a local file, in the form M38 reports.
func HashLocal(localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", localPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares the local file with the copy stored on the printer.
func Verify(h Hasher, localPath, remotePath string) error {
	want, err := HashLocal(localPath)
	if err != nil {
		return err
	}

	got, err := h.HashFile(remotePath)
	if err != nil {
		return fmt.Errorf("hashing %s on printer: %w", remotePath, err)
	}
	if got == "" {
		return fmt.Errorf("%s: %w", remotePath, ErrRemoteMissing)
	}
	if !strings.EqualFold(strings.TrimSpace(got), want) {
		return fmt.Errorf("%s: %w (local %s, remote %s)", remotePath, ErrHashMismatch, want, got)
	}
	return nil
}
