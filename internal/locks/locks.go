// Package locks serializes toolchain command runs across rsx processes that
// share one workspace. The in-process supervisor already enforces a single
// command slot; the lease file extends that guarantee across processes.
package locks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultExpiry is the default lease duration. Leases expire so a crashed
	// process cannot wedge the workspace.
	DefaultExpiry = 15 * time.Minute

	leaseDirName  = ".rsx"
	leaseFileName = "lease.json"
)

// ErrConflict indicates another live process holds the workspace lease.
var ErrConflict = errors.New("workspace is busy")

// Lease records one process's claim on the workspace command slot.
type Lease struct {
	Owner      string    `json:"owner"`
	Command    string    `json:"command"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store persists at most one lease per workspace.
type Store interface {
	Load(ctx context.Context) (*Lease, error)
	Save(ctx context.Context, lease *Lease) error
	Clear(ctx context.Context) error
}

// FileStore keeps the lease in a JSON file under the workspace state
// directory.
type FileStore struct {
	path string
}

// NewFileStore builds a store rooted at the workspace.
func NewFileStore(root string) *FileStore {
	return &FileStore{path: filepath.Join(root, leaseDirName, leaseFileName)}
}

// Load reads the current lease. A missing file means no lease.
func (s *FileStore) Load(_ context.Context) (*Lease, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}

	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		// A corrupt lease file is treated as absent rather than wedging every
		// future command.
		return nil, nil
	}
	return &lease, nil
}

// Save writes the lease, creating the state directory on first use.
func (s *FileStore) Save(_ context.Context, lease *Lease) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create lease dir: %w", err)
	}
	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lease: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write lease: %w", err)
	}
	return nil
}

// Clear removes the lease file.
func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lease: %w", err)
	}
	return nil
}

// Manager acquires and releases workspace leases.
type Manager struct {
	newStore func(root string) Store
	now      func() time.Time
	expiry   time.Duration
	owner    string
}

// Option customizes Manager construction, primarily for tests.
type Option func(*Manager)

// WithExpiry configures the lease duration.
func WithExpiry(expiry time.Duration) Option {
	return func(m *Manager) {
		if expiry > 0 {
			m.expiry = expiry
		}
	}
}

// WithNow substitutes the clock.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStoreFactory substitutes lease persistence.
func WithStoreFactory(newStore func(root string) Store) Option {
	return func(m *Manager) {
		if newStore != nil {
			m.newStore = newStore
		}
	}
}

// WithOwner overrides the owner identity recorded in leases.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		if owner != "" {
			m.owner = owner
		}
	}
}

// NewManager builds a Manager identified by the current process.
func NewManager(options ...Option) *Manager {
	manager := &Manager{
		newStore: func(root string) Store { return NewFileStore(root) },
		now:      time.Now,
		expiry:   DefaultExpiry,
		owner:    fmt.Sprintf("pid-%d", os.Getpid()),
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// Acquire claims the workspace command slot and returns a release closure.
// A live lease held by another owner yields ErrConflict; expired leases and
// this owner's own stale leases are replaced.
func (m *Manager) Acquire(ctx context.Context, root, command string) (func() error, error) {
	store := m.newStore(root)

	existing, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load lease: %w", err)
	}

	now := m.now().UTC()
	if existing != nil && existing.ExpiresAt.After(now) && existing.Owner != m.owner {
		return nil, fmt.Errorf("%w: %q held by %s until %s",
			ErrConflict, existing.Command, existing.Owner, existing.ExpiresAt.Format(time.RFC3339))
	}

	lease := &Lease{
		Owner:      m.owner,
		Command:    command,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.expiry),
	}
	if err := store.Save(ctx, lease); err != nil {
		return nil, fmt.Errorf("save lease: %w", err)
	}

	release := func() error {
		current, err := store.Load(ctx)
		if err != nil {
			return fmt.Errorf("load lease for release: %w", err)
		}
		if current == nil || current.Owner != m.owner {
			return nil
		}
		return store.Clear(ctx)
	}
	return release, nil
}
