// Package killswitch holds the process-wide governance state gating whether
// new prompts are auto-decided or forced to a human. The switch is consulted
// only when a prompt is admitted into a queue, never inside the execution
// path: an injection already past the guard's commit point always completes.
package killswitch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// State is the switch position.
type State string

const (
	Running State = "RUNNING"
	Paused  State = "PAUSED"
	Stopped State = "STOPPED" // terminal; restart the engine to resume
)

// ErrStopped is returned on any transition attempt out of STOPPED.
var ErrStopped = errors.New("kill switch is STOPPED; the engine instance must be restarted")

// Switch is the durable kill switch. One instance per engine; never a
// module-level singleton. The state file is shared with operator tooling in
// other processes, so reads re-check the file's mtime and pick up external
// transitions.
type Switch struct {
	mu      sync.Mutex
	path    string
	state   State
	fileMod time.Time // mtime of the state file at the last read or write
	logger  *slog.Logger
}

type persisted struct {
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Load reads the switch state from path. A missing or corrupt file is
// treated as RUNNING.
func Load(path string) *Switch {
	s := &Switch{
		path:   path,
		state:  Running,
		logger: slog.Default().With("component", "killswitch"),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("state file unreadable, defaulting to RUNNING", "error", err)
		}
		return s
	}
	if info, err := os.Stat(path); err == nil {
		s.fileMod = info.ModTime()
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("state file corrupt, defaulting to RUNNING", "error", err)
		return s
	}
	switch p.State {
	case Running, Paused, Stopped:
		s.state = p.State
	default:
		s.logger.Warn("state file holds unknown state, defaulting to RUNNING", "state", p.State)
	}
	return s
}

// State returns the current position, absorbing any transition another
// process persisted since the last read.
func (s *Switch) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	return s.state
}

// refreshLocked re-reads the state file when its mtime moved. A Stopped
// switch never refreshes; STOPPED is terminal for this instance no matter
// what the file says.
func (s *Switch) refreshLocked() {
	if s.state == Stopped {
		return
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}
	if info.ModTime().Equal(s.fileMod) {
		return
	}
	s.fileMod = info.ModTime()
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("state file corrupt, keeping current state", "error", err)
		return
	}
	switch p.State {
	case Running, Paused, Stopped:
		if p.State != s.state {
			s.logger.Info("kill switch changed externally", "from", s.state, "to", p.State)
			s.state = p.State
		}
	default:
		s.logger.Warn("state file holds unknown state, keeping current state", "state", p.State)
	}
}

// Pause moves RUNNING -> PAUSED. Takes effect for the next admitted prompt.
func (s *Switch) Pause() error { return s.transition(Paused) }

// Resume moves PAUSED -> RUNNING.
func (s *Switch) Resume() error { return s.transition(Running) }

// Stop is one-way; from either RUNNING or PAUSED.
func (s *Switch) Stop() error { return s.transition(Stopped) }

// Reset clears a persisted STOPPED marker so a restarted engine can begin
// RUNNING. Call only at startup, before the switch is shared.
func (s *Switch) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(Running); err != nil {
		return err
	}
	s.logger.Info("kill switch reset", "from", s.state)
	s.state = Running
	return nil
}

func (s *Switch) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()
	if s.state == Stopped {
		return ErrStopped
	}
	if s.state == to {
		return nil
	}
	if err := s.persist(to); err != nil {
		return err
	}
	s.logger.Info("kill switch transition", "from", s.state, "to", to)
	s.state = to
	return nil
}

// persist writes the state atomically: write to a temp file in the same
// directory, then rename over the target, so a crash mid-write never yields
// a half-written state file.
func (s *Switch) persist(state State) error {
	data, err := json.Marshal(persisted{State: state, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("killswitch: encode state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".killswitch-*")
	if err != nil {
		return fmt.Errorf("killswitch: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("killswitch: write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("killswitch: sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("killswitch: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("killswitch: replace state file: %w", err)
	}
	if info, err := os.Stat(s.path); err == nil {
		s.fileMod = info.ModTime()
	}
	return nil
}
