package terminal

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"brancher-go/internal/logutil"
)

const (
	DefaultRows = 24
	DefaultCols = 80

	MaxResizeRows = 500
	MaxResizeCols = 500

	// MaxInputMessageSize bounds a single Write.
	MaxInputMessageSize = 64 * 1024
)

var (
	ErrSessionExists = errors.New("session already exists")
	ErrNoSession     = errors.New("no active session")
	ErrInputTooLarge = errors.New("input too large")
)

type Options struct {
	Shell string   // default /bin/bash
	Args  []string // default -i
	Env   []string // appended to the process environment
}

// Manager owns the interactive shell sessions, at most one per key.
type Manager struct {
	shell string
	args  []string
	env   []string

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(opts Options) *Manager {
	if opts.Shell == "" {
		opts.Shell = "/bin/bash"
		if opts.Args == nil {
			opts.Args = []string{"-i"}
		}
	}
	env := append([]string{"TERM=xterm-256color"}, opts.Env...)
	return &Manager{
		shell:    opts.Shell,
		args:     opts.Args,
		env:      env,
		sessions: make(map[string]*session),
	}
}

// Start spawns a shell on a new pseudo-terminal for key. Output is delivered
// to sink until the session ends.
func (m *Manager) Start(key string, sink Sink) error {
	m.mu.Lock()
	if _, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return ErrSessionExists
	}
	s := newSession(key, sink)
	m.sessions[key] = s
	m.mu.Unlock()

	cmd := exec.Command(m.shell, m.args...)
	cmd.Env = append(os.Environ(), m.env...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: DefaultRows, Cols: DefaultCols})
	if err != nil {
		m.remove(key, s)
		close(s.ready)
		log.Printf("[session-mgr] Failed to start shell for %s: %v", logutil.Sanitize(key), err)
		return fmt.Errorf("start shell: %w", err)
	}
	s.cmd = cmd
	s.ptmx = ptmx
	close(s.ready)

	go s.pump(func() { m.evict(s) })

	log.Printf("[session-mgr] Started session %s (pid %d)", logutil.Sanitize(key), cmd.Process.Pid)
	return nil
}

// Write passes data to the session's terminal unmodified.
func (m *Manager) Write(key string, data []byte) error {
	if len(data) > MaxInputMessageSize {
		return ErrInputTooLarge
	}
	s := m.lookup(key)
	if s == nil {
		return ErrNoSession
	}
	return s.write(data)
}

// Resize sets the window size. Zero values mean the defaults and values are
// clamped to MaxResizeRows/MaxResizeCols. A missing session is ignored.
func (m *Manager) Resize(key string, rows, cols int) error {
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols <= 0 {
		cols = DefaultCols
	}
	rows = min(rows, MaxResizeRows)
	cols = min(cols, MaxResizeCols)

	s := m.lookup(key)
	if s == nil {
		return nil
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Close tears the session down. Closing a missing session is a no-op. The
// entry is removed even if teardown reports an error.
func (m *Manager) Close(key string) error {
	s := m.lookup(key)
	if s == nil {
		return nil
	}
	m.remove(key, s)
	err := s.teardown()
	if err != nil {
		log.Printf("[session-mgr] Teardown of %s: %v", logutil.Sanitize(key), err)
	} else {
		log.Printf("[session-mgr] Closed session %s", logutil.Sanitize(key))
	}
	return err
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	for _, k := range keys {
		m.Close(k)
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[key]
	return ok
}

// lookup returns the started session for key, waiting for a spawn in
// progress. It returns nil if there is none or the spawn failed.
func (m *Manager) lookup(key string) *session {
	m.mu.Lock()
	s := m.sessions[key]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	<-s.ready
	if s.ptmx == nil {
		return nil
	}
	return s
}

// remove deletes key only if it still maps to s.
func (m *Manager) remove(key string, s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[key] != s {
		return false
	}
	delete(m.sessions, key)
	return true
}

// evict runs when a session's pump stops, so exited shells do not leave
// entries behind.
func (m *Manager) evict(s *session) {
	if m.remove(s.key, s) {
		log.Printf("[session-mgr] Shell for %s exited", logutil.Sanitize(s.key))
	}
	if err := s.teardown(); err != nil {
		log.Printf("[session-mgr] Teardown of %s: %v", logutil.Sanitize(s.key), err)
	}
}
