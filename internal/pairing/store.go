// Package pairing issues one-shot device pairing codes with replay
// protection. Codes and the used-set persist across restarts.
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// CodeTTL bounds how long a generated code stays redeemable.
	CodeTTL = 10 * time.Minute
	// UsedRetention is how long a redeemed code is remembered so
	// replays keep failing.
	UsedRetention = 24 * time.Hour

	codeBytes = 6 // 6 raw bytes encode to 8 base64url characters
)

var (
	// ErrCodeNotFound is returned for unknown codes.
	ErrCodeNotFound = errors.New("pairing code not found")
	// ErrCodeExpired is returned for codes past their TTL.
	ErrCodeExpired = errors.New("pairing code expired")
	// ErrCodeUsed is returned for replay attempts.
	ErrCodeUsed = errors.New("pairing code already used")
)

// Code is a pending pairing grant for one user/device.
type Code struct {
	Code      string    `json:"code"`
	UserID    string    `json:"userId"`
	Device    string    `json:"device,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type usedEntry struct {
	Code   string    `json:"code"`
	UsedAt time.Time `json:"usedAt"`
}

type state struct {
	Pending []Code      `json:"pending"`
	Used    []usedEntry `json:"used"`
}

// Store persists pairing state as a single JSON file under the state dir.
type Store struct {
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	now  func() time.Time
	rand io.Reader
}

// NewStore creates a store backed by path. A nil logger discards logs.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		path:   path,
		logger: logger.With("component", "pairing"),
		now:    time.Now,
		rand:   rand.Reader,
	}
}

// Generate mints a new single-use code for userID.
func (s *Store) Generate(userID, device string) (Code, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Code{}, errors.New("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return Code{}, err
	}

	taken := map[string]struct{}{}
	for _, c := range st.Pending {
		taken[c.Code] = struct{}{}
	}
	for _, u := range st.Used {
		taken[u.Code] = struct{}{}
	}

	code, err := s.generateCode(taken)
	if err != nil {
		return Code{}, err
	}

	now := s.now()
	entry := Code{
		Code:      code,
		UserID:    userID,
		Device:    strings.TrimSpace(device),
		CreatedAt: now,
		ExpiresAt: now.Add(CodeTTL),
	}
	st.Pending = append(st.Pending, entry)
	if err := s.saveLocked(st); err != nil {
		return Code{}, err
	}
	return entry, nil
}

// Approve redeems a code exactly once. Expired codes return
// ErrCodeExpired; redeemed codes return ErrCodeUsed for the entire
// used-retention window.
func (s *Store) Approve(code string) (Code, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Code{}, ErrCodeNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return Code{}, err
	}

	now := s.now()
	for _, u := range st.Used {
		if u.Code == code {
			s.logger.Warn("pairing replay rejected", "code", code)
			return Code{}, ErrCodeUsed
		}
	}

	index := -1
	for i, c := range st.Pending {
		if c.Code == code {
			index = i
			break
		}
	}
	if index == -1 {
		return Code{}, ErrCodeNotFound
	}

	entry := st.Pending[index]
	st.Pending = append(st.Pending[:index], st.Pending[index+1:]...)

	if !entry.ExpiresAt.After(now) {
		// Drop the stale entry but keep the error distinct from unknown.
		if err := s.saveLocked(st); err != nil {
			return Code{}, err
		}
		return Code{}, ErrCodeExpired
	}

	st.Used = append(st.Used, usedEntry{Code: code, UsedAt: now})
	if err := s.saveLocked(st); err != nil {
		return Code{}, err
	}
	return entry, nil
}

// Pending returns unexpired codes awaiting redemption.
func (s *Store) Pending() ([]Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]Code, 0, len(st.Pending))
	for _, c := range st.Pending {
		if c.ExpiresAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Cleanup drops expired pending codes and used entries past retention.
// It returns how many entries were removed.
func (s *Store) Cleanup() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked()
	if err != nil {
		return 0, err
	}

	now := s.now()
	removed := 0

	pending := st.Pending[:0]
	for _, c := range st.Pending {
		if c.ExpiresAt.After(now) {
			pending = append(pending, c)
		} else {
			removed++
		}
	}
	st.Pending = pending

	used := st.Used[:0]
	for _, u := range st.Used {
		if now.Sub(u.UsedAt) < UsedRetention {
			used = append(used, u)
		} else {
			removed++
		}
	}
	st.Used = used

	if removed > 0 {
		if err := s.saveLocked(st); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

func (s *Store) loadLocked() (state, error) {
	var st state
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read pairing state: %w", err)
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return state{}, fmt.Errorf("parse pairing state: %w", err)
	}
	return st, nil
}

func (s *Store) saveLocked(st state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func (s *Store) generateCode(taken map[string]struct{}) (string, error) {
	for i := 0; i < 20; i++ {
		buf := make([]byte, codeBytes)
		if _, err := io.ReadFull(s.rand, buf); err != nil {
			return "", fmt.Errorf("generate pairing code: %w", err)
		}
		code := base64.RawURLEncoding.EncodeToString(buf)
		if _, ok := taken[code]; ok {
			continue
		}
		return code, nil
	}
	return "", errors.New("failed to generate unique pairing code")
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
