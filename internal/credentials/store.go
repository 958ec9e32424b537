package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

const storeVersion = 1

// storeFile is the entire on-disk credential state. Every mutation rewrites
// the file wholesale so a reader never observes a half-written structure.
type storeFile struct {
	Version      int           `json:"version"`
	PairingCodes []PairingCode `json:"pairingCodes"`
	Tokens       []AccessToken `json:"tokens"`
}

// StorePath returns the credential file path under the home directory.
func StorePath(homeDir string) string {
	return filepath.Join(homeDir, storeFileName)
}

// loadStore reads the store from disk. A missing file is an empty store; a
// corrupt file is an error rather than a silent reset, so secrets are never
// clobbered by a bad parse.
func loadStore(path string) (*storeFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &storeFile{Version: storeVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: read store: %w", err)
	}
	var s storeFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("credentials: parse store: %w", err)
	}
	if s.Version == 0 {
		s.Version = storeVersion
	}
	if s.Version != storeVersion {
		return nil, fmt.Errorf("credentials: unsupported store version %d", s.Version)
	}
	return &s, nil
}

// save rewrites the store atomically: temp file in the same directory, then
// rename. CreateTemp's 0600 mode is kept for the final file.
func (s *storeFile) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("credentials: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: marshal store: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("credentials: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("credentials: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("credentials: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("credentials: rename: %w", err)
	}
	return nil
}

// heal prunes used/expired pairing codes and enforces the active-token
// bound. Reports whether anything changed and needs re-persisting.
func (s *storeFile) heal(now time.Time) bool {
	changed := false
	kept := s.PairingCodes[:0]
	for _, pc := range s.PairingCodes {
		if pc.live(now) {
			kept = append(kept, pc)
		} else {
			changed = true
		}
	}
	s.PairingCodes = kept
	if s.enforceTokenBound() {
		changed = true
	}
	return changed
}

// enforceTokenBound drops the oldest active tokens (by CreatedAt) from the
// store entirely until at most maxActiveTokens remain active. Revoked
// tokens are untouched; only eviction removes entries.
func (s *storeFile) enforceTokenBound() bool {
	active := make([]int, 0, len(s.Tokens))
	for i, t := range s.Tokens {
		if t.active() {
			active = append(active, i)
		}
	}
	excess := len(active) - maxActiveTokens
	if excess <= 0 {
		return false
	}
	// Stable sort so equal timestamps evict in insertion order.
	sort.SliceStable(active, func(a, b int) bool {
		return s.Tokens[active[a]].CreatedAt.Before(s.Tokens[active[b]].CreatedAt)
	})
	drop := make(map[int]bool, excess)
	for _, idx := range active[:excess] {
		drop[idx] = true
	}
	kept := s.Tokens[:0]
	for i, t := range s.Tokens {
		if !drop[i] {
			kept = append(kept, t)
		}
	}
	s.Tokens = kept
	return true
}

// mintToken appends a fresh active token and re-applies the active bound.
// The plaintext secret leaves this function exactly once, in the grant.
func (s *storeFile) mintToken(label string, now time.Time) (*TokenGrant, error) {
	secret, err := newTokenSecret()
	if err != nil {
		return nil, err
	}
	hash, err := hashSecret(secret)
	if err != nil {
		return nil, err
	}
	tok := AccessToken{
		ID:         uuid.NewString(),
		SecretHash: hash,
		Label:      label,
		CreatedAt:  now,
	}
	s.Tokens = append(s.Tokens, tok)
	s.enforceTokenBound()
	return &TokenGrant{
		Token:  secret,
		Client: Client{ID: tok.ID, Label: tok.Label, TokenIssuedAt: tok.CreatedAt},
	}, nil
}

func (s *storeFile) activeTokenCount() int {
	n := 0
	for _, t := range s.Tokens {
		if t.active() {
			n++
		}
	}
	return n
}
