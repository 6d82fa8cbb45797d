package terminal

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

const (
	readChunkSize = 20 * 1024
	pumpDrainWait = 2 * time.Second
)

// Sink receives a session's output. Closed is called exactly once, after
// the session has been torn down.
type Sink interface {
	Output(data string)
	Closed()
}

type session struct {
	key  string
	sink Sink

	// ready is closed once the spawn attempt finished. cmd and ptmx are nil
	// if it failed.
	ready chan struct{}
	cmd   *exec.Cmd
	ptmx  *os.File

	writeMu   sync.Mutex
	pumpDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(key string, sink Sink) *session {
	return &session{
		key:      key,
		sink:     sink,
		ready:    make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// pump relays output until the master fails to read, then calls onExit.
func (s *session) pump(onExit func()) {
	buf := make([]byte, readChunkSize)
	var carry []byte
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			var text string
			text, carry = decodeChunk(append(carry, buf[:n]...))
			if text != "" {
				s.sink.Output(text)
			}
		}
		if err != nil {
			break
		}
	}
	close(s.pumpDone)
	onExit()
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.ptmx.Write(data)
	return err
}

// teardown closes the master, kills the shell's process group and reaps the
// shell, then notifies the sink. Only the first call does anything.
func (s *session) teardown() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.ptmx.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close pty: %w", err))
		}
		if p := s.cmd.Process; p != nil {
			// The shell leads its own session, so its pid is also the process
			// group id. Killing the group takes background jobs down with it.
			if err := unix.Kill(-p.Pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
				errs = append(errs, fmt.Errorf("kill shell group: %w", err))
			}
			// Exit status after SIGKILL is always an error; only reaping matters.
			_ = s.cmd.Wait()
		}

		select {
		case <-s.pumpDone:
		case <-time.After(pumpDrainWait):
			log.Printf("[session-mgr] Output pump for %s still running after close", s.key)
		}

		s.closeErr = errors.Join(errs...)
		s.sink.Closed()
	})
	return s.closeErr
}

// decodeChunk returns the valid UTF-8 text of data and any incomplete
// trailing sequence to prepend to the next read. Invalid bytes are dropped.
func decodeChunk(data []byte) (string, []byte) {
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}

	var rest []byte
	if cut < len(data) {
		rest = append([]byte(nil), data[cut:]...)
	}
	return strings.ToValidUTF8(string(data[:cut]), ""), rest
}
