package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DeviceSession is a pending OAuth device authorization.
type DeviceSession struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verify_uri"`
	Interval        int64  `json:"interval"`
	Created         int64  `json:"created"` // unix seconds
	ExpiresAt       int64  `json:"expires_at,omitempty"`
}

// Age is how long ago the session was started.
func (s *DeviceSession) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(s.Created, 0))
}

// writeFileAtomic replaces path with data, creating parent directories, so a
// crash never leaves a truncated state file behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SessionStore keeps at most one pending device session on disk.
type SessionStore struct {
	path string
	mu   sync.Mutex
}

func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

// Load returns the stored session, or nil when there is none or the file is
// unreadable.
func (s *SessionStore) Load() *DeviceSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", s.path).Msg("reading device session failed")
		}
		return nil
	}
	var sess DeviceSession
	if err := json.Unmarshal(data, &sess); err != nil || sess.DeviceCode == "" {
		log.Warn().Str("path", s.path).Msg("ignoring malformed device session file")
		return nil
	}
	return &sess
}

func (s *SessionStore) Save(sess *DeviceSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("saving device session: %w", err)
	}
	return nil
}

func (s *SessionStore) Delete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", s.path).Msg("removing device session failed")
	}
}

// TokenStore keeps the GitHub access token on disk.
type TokenStore struct {
	path string
	mu   sync.Mutex
}

func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Load returns the stored token, or "" when none is stored.
func (s *TokenStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", s.path).Msg("reading token failed")
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (s *TokenStore) Save(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path, []byte(token)); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}
