package credential

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lkarlslund/chatbridge/pkg/metrics"
)

// Store is the pool of long-lived secrets plus the set of secrets the
// backend has permanently rejected. The durable list is an append-only text
// file with one secret per line.
type Store struct {
	mu      sync.RWMutex
	path    string
	secrets []string
	invalid map[string]struct{}
}

// OpenStore loads secrets from path. A missing file yields an empty store.
// An empty path keeps the list in memory only.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, invalid: map[string]struct{}{}}
	if path == "" {
		return s, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if secret, ok := cleanSecret(sc.Text()); ok {
			s.secrets = append(s.secrets, secret)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	s.publishLocked()
	return s, nil
}

func cleanSecret(raw string) (string, bool) {
	secret := strings.TrimSpace(raw)
	if secret == "" || strings.HasPrefix(secret, "#") {
		return "", false
	}
	return secret, true
}

// Add appends secret to the pool and the durable list. Blank and comment
// lines are ignored and reported as not added.
func (s *Store) Add(secret string) (bool, error) {
	secret, ok := cleanSecret(secret)
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked([]string{secret}); err != nil {
		return false, err
	}
	return true, nil
}

// AddMany appends every secret found in a newline separated text blob.
func (s *Store) AddMany(text string) (int, error) {
	var batch []string
	for _, line := range strings.Split(text, "\n") {
		if secret, ok := cleanSecret(line); ok {
			batch = append(batch, secret)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(batch); err != nil {
		return 0, err
	}
	return len(batch), nil
}

func (s *Store) appendLocked(batch []string) error {
	if s.path != "" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open token file: %w", err)
		}
		_, werr := f.WriteString(strings.Join(batch, "\n") + "\n")
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("append token file: %w", werr)
		}
		if cerr != nil {
			return fmt.Errorf("close token file: %w", cerr)
		}
	}
	s.secrets = append(s.secrets, batch...)
	s.publishLocked()
	return nil
}

// Clear empties the pool, the invalid set and the durable list.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := os.WriteFile(s.path, nil, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("truncate token file: %w", err)
		}
	}
	s.secrets = nil
	s.invalid = map[string]struct{}{}
	s.publishLocked()
	return nil
}

// ListValid returns the distinct secrets that are not known to be invalid,
// in insertion order.
func (s *Store) ListValid() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validLocked()
}

func (s *Store) validLocked() []string {
	seen := make(map[string]struct{}, len(s.secrets))
	out := make([]string, 0, len(s.secrets))
	for _, secret := range s.secrets {
		if _, bad := s.invalid[secret]; bad {
			continue
		}
		if _, dup := seen[secret]; dup {
			continue
		}
		seen[secret] = struct{}{}
		out = append(out, secret)
	}
	return out
}

// MarkInvalid moves secret to the invalid set. It is idempotent.
func (s *Store) MarkInvalid(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invalid[secret]; ok {
		return
	}
	s.invalid[secret] = struct{}{}
	metrics.SecretsInvalidatedTotal.Inc()
	s.publishLocked()
}

func (s *Store) IsInvalid(secret string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.invalid[secret]
	return ok
}

// Invalid lists the invalid set, sorted for stable output.
func (s *Store) Invalid() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.invalid))
	for secret := range s.invalid {
		out = append(out, secret)
	}
	sort.Strings(out)
	return out
}

// Count is the number of distinct valid secrets.
func (s *Store) Count() int {
	return len(s.ListValid())
}

func (s *Store) publishLocked() {
	metrics.ValidSecrets.Set(float64(len(s.validLocked())))
}
