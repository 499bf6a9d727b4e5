package marketloop

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Profile is the durable snapshot of the authenticated user, kept so the
// client can compare sender identities before any network round-trip.
type Profile struct {
	ID       string `toml:"id"`
	Email    string `toml:"email,omitempty"`
	Username string `toml:"username,omitempty"`
}

// Identity returns the comparable identity of the profile.
func (p Profile) Identity() Identity {
	return Identity{ID: p.ID, Email: p.Email}
}

type stateData struct {
	Token              string   `toml:"token,omitempty"`
	Profile            Profile  `toml:"profile,omitempty"`
	CompletedCheckouts []string `toml:"completed_checkouts,omitempty"`
}

// StateFile persists client-side state that must survive restarts: the auth
// token, the user profile snapshot, and the ids of accepted-offer messages
// whose checkout has already been initiated. Every mutation writes the file
// through immediately. StateFile implements CompletionStore.
type StateFile struct {
	path string

	mu   sync.Mutex
	data stateData
	done map[string]struct{}
}

var _ CompletionStore = (*StateFile)(nil)

// OpenStateFile loads the state file at path, creating empty state when the
// file does not exist yet.
func OpenStateFile(path string) (*StateFile, error) {
	s := &StateFile{path: path, done: make(map[string]struct{})}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if err := toml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	for _, id := range s.data.CompletedCheckouts {
		s.done[id] = struct{}{}
	}
	return s, nil
}

// Path returns the backing file location.
func (s *StateFile) Path() string {
	return s.path
}

// Token returns the stored auth token, empty when logged out.
func (s *StateFile) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Token
}

// SetToken stores a new auth token. An empty token logs out.
func (s *StateFile) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Token = token
	return s.saveLocked()
}

// Profile returns the stored user snapshot.
func (s *StateFile) Profile() Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Profile
}

// SetProfile stores the user snapshot.
func (s *StateFile) SetProfile(p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Profile = p
	return s.saveLocked()
}

// Clear wipes the token and profile, keeping the checkout guard. Used on
// logout so a later login by the same user still cannot double-checkout.
func (s *StateFile) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Token = ""
	s.data.Profile = Profile{}
	return s.saveLocked()
}

// HasCompleted reports whether checkout was already initiated for the
// message id.
func (s *StateFile) HasCompleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[id]
	return ok
}

// MarkCompleted durably records a checkout initiation. Marking the same id
// again is a no-op.
func (s *StateFile) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[id]; ok {
		return nil
	}
	s.done[id] = struct{}{}
	return s.saveLocked()
}

func (s *StateFile) saveLocked() error {
	ids := make([]string, 0, len(s.done))
	for id := range s.done {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.data.CompletedCheckouts = ids

	raw, err := toml.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
