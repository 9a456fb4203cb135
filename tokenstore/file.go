package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/fdverney/keyfob/tokenset"
)

// Default lock acquisition behavior. The timeout bounds the whole
// acquisition; the delay spaces out retry attempts.
const (
	DefaultLockTimeout = 10 * time.Second
	DefaultRetryDelay  = 100 * time.Millisecond
)

// LockedFileStore persists a token set to a file shared by multiple
// independent processes. Every Update acquires an exclusive advisory lock on
// a sibling .lock file, re-reads the record, applies the callback, and
// writes the result atomically (temp file + rename) before releasing the
// lock. Load never locks; the atomic rename guarantees readers observe a
// complete record.
type LockedFileStore struct {
	path     string
	lockPath string

	lockTimeout time.Duration
	retryDelay  time.Duration
	retries     int

	serverURL string
	realmName string
}

// Compile-time check to ensure LockedFileStore implements Store
var _ Store = (*LockedFileStore)(nil)

// FileStoreOption configures a LockedFileStore.
type FileStoreOption func(*LockedFileStore)

// WithLockTimeout bounds how long Update waits for the exclusive lock
// before failing with ErrLockTimeout.
func WithLockTimeout(d time.Duration) FileStoreOption {
	return func(s *LockedFileStore) {
		s.lockTimeout = d
	}
}

// WithRetryDelay sets the pause between lock acquisition attempts.
func WithRetryDelay(d time.Duration) FileStoreOption {
	return func(s *LockedFileStore) {
		s.retryDelay = d
	}
}

// WithLockRetries caps the number of acquisition attempts. Zero or negative
// means attempts are bounded only by the lock timeout.
func WithLockRetries(n int) FileStoreOption {
	return func(s *LockedFileStore) {
		s.retries = n
	}
}

// WithProvenance records which server and realm the stored tokens belong
// to. A record written for a different server or realm is rejected on load.
func WithProvenance(serverURL, realmName string) FileStoreOption {
	return func(s *LockedFileStore) {
		s.serverURL = serverURL
		s.realmName = realmName
	}
}

// NewLockedFileStore creates a LockedFileStore backed by the given path,
// creating parent directories with 0700 permissions if they don't exist.
// The lock file lives next to the backing file with a .lock suffix.
func NewLockedFileStore(path string, opts ...FileStoreOption) (*LockedFileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return nil, err
	}

	s := &LockedFileStore{
		path:        abs,
		lockPath:    abs + ".lock",
		lockTimeout: DefaultLockTimeout,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// fileRecord is the durable shape of a token set. The server and realm
// fields tie the record to the provider it was issued by.
type fileRecord struct {
	ServerURL     string    `json:"server_url,omitempty"`
	RealmName     string    `json:"realm_name,omitempty"`
	AccessToken   string    `json:"access_token"`
	AccessExpiry  time.Time `json:"access_expiry,omitzero"`
	RefreshToken  string    `json:"refresh_token,omitempty"`
	RefreshExpiry time.Time `json:"refresh_expiry,omitzero"`
	IssuedAt      time.Time `json:"issued_at,omitzero"`
}

// Load reads the current record without taking the lock. The result may lag
// a concurrent writer by one atomic rename, which is bounded by the expiry
// skew margin.
func (s *LockedFileStore) Load(ctx context.Context) (tokenset.TokenSet, error) {
	if err := ctx.Err(); err != nil {
		return tokenset.TokenSet{}, err
	}
	return s.read()
}

// Update acquires the exclusive lock, re-reads the record (another process
// may have refreshed it while this one was waiting), applies fn, and writes
// the result back. The lock is released unconditionally, even when fn or
// the write fails.
func (s *LockedFileStore) Update(ctx context.Context, fn UpdateFunc) (tokenset.TokenSet, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	defer release()

	current, err := s.read()
	if err != nil && !errors.Is(err, ErrNoToken) {
		return tokenset.TokenSet{}, err
	}

	next, err := fn(current)
	if err != nil {
		return tokenset.TokenSet{}, err
	}
	if next == current {
		return next, nil
	}
	if err := s.write(next); err != nil {
		return tokenset.TokenSet{}, err
	}
	return next, nil
}

// acquire obtains the advisory lock, retrying until the configured timeout,
// retry cap, or context cancellation ends the wait.
func (s *LockedFileStore) acquire(ctx context.Context) (release func(), err error) {
	lk := flock.New(s.lockPath)
	deadline := time.Now().Add(s.lockTimeout)

	for attempt := 1; ; attempt++ {
		locked, err := lk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking %s: %w", s.lockPath, err)
		}
		if locked {
			return func() { _ = lk.Unlock() }, nil
		}

		if s.retries > 0 && attempt >= s.retries {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, s.lockPath, attempt)
		}
		if !time.Now().Add(s.retryDelay).Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, s.lockPath, s.lockTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

func (s *LockedFileStore) read() (tokenset.TokenSet, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return tokenset.TokenSet{}, fmt.Errorf("%w at %s", ErrNoToken, s.path)
		}
		return tokenset.TokenSet{}, err
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return tokenset.TokenSet{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	if rec.AccessToken == "" && rec.RefreshToken == "" {
		return tokenset.TokenSet{}, fmt.Errorf("%w: %s holds no tokens", ErrCorrupt, s.path)
	}
	if s.serverURL != "" && rec.ServerURL != "" && rec.ServerURL != s.serverURL {
		return tokenset.TokenSet{}, fmt.Errorf("%w: %s was written for server %s", ErrCorrupt, s.path, rec.ServerURL)
	}
	if s.realmName != "" && rec.RealmName != "" && rec.RealmName != s.realmName {
		return tokenset.TokenSet{}, fmt.Errorf("%w: %s was written for realm %s", ErrCorrupt, s.path, rec.RealmName)
	}

	return tokenset.TokenSet{
		AccessToken:   rec.AccessToken,
		AccessExpiry:  rec.AccessExpiry,
		RefreshToken:  rec.RefreshToken,
		RefreshExpiry: rec.RefreshExpiry,
		IssuedAt:      rec.IssuedAt,
	}, nil
}

// write saves the record using temp file + rename so concurrent lock-free
// readers never observe a partial record. Sets file permissions to 0600.
func (s *LockedFileStore) write(set tokenset.TokenSet) error {
	rec := fileRecord{
		ServerURL:     s.serverURL,
		RealmName:     s.realmName,
		AccessToken:   set.AccessToken,
		AccessExpiry:  set.AccessExpiry,
		RefreshToken:  set.RefreshToken,
		RefreshExpiry: set.RefreshExpiry,
		IssuedAt:      set.IssuedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding token record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tempFile, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()
	// Cleanup deferred for all exit paths
	defer func() { _ = os.Remove(tempName) }()
	defer func() { _ = tempFile.Close() }()

	if _, err := tempFile.Write(data); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tempName, 0600); err != nil {
		return err
	}

	// Atomic rename to final location
	return os.Rename(tempName, s.path)
}
