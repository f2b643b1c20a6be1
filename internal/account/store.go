package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNotFound is returned when no record exists for a port.
var ErrNotFound = errors.New("account not found")

// Store keeps one JSON record per port under a restricted directory.
// The directory is the source of truth for which users exist.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created lazily
// on the first Put.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the record path for a port.
func (s *Store) Path(port int) string {
	return filepath.Join(s.dir, strconv.Itoa(port)+".json")
}

// Put writes the record for acc.ServerPort, creating the directory with
// owner-only permissions if needed.
func (s *Store) Put(acc *Account) error {
	if err := acc.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	if err := os.WriteFile(s.Path(acc.ServerPort), data, 0600); err != nil {
		return fmt.Errorf("failed to write account record: %w", err)
	}

	return nil
}

// Get reads the record for port, or ErrNotFound.
func (s *Store) Get(port int) (*Account, error) {
	data, err := os.ReadFile(s.Path(port))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read account record: %w", err)
	}

	var acc Account
	if err := json.Unmarshal(data, &acc); err != nil {
		return nil, fmt.Errorf("failed to parse account record: %w", err)
	}

	return &acc, nil
}

// Delete removes the record for port, or ErrNotFound if none exists.
func (s *Store) Delete(port int) error {
	if err := os.Remove(s.Path(port)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete account record: %w", err)
	}
	return nil
}

// List enumerates all records, sorted by port. A missing directory is an
// empty set, not an error.
func (s *Store) List() ([]*Account, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config directory: %w", err)
	}

	var accounts []*Account
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSuffix(name, ".json"))
		if err != nil {
			// Not a per-port record, skip
			continue
		}
		acc, err := s.Get(port)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ServerPort < accounts[j].ServerPort
	})

	return accounts, nil
}
