package tokenstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/fdverney/keyfob/tokenset"
)

func newTestStore(t *testing.T, opts ...FileStoreOption) *LockedFileStore {
	t.Helper()
	store, err := NewLockedFileStore(filepath.Join(t.TempDir(), "realm.tok"), opts...)
	if err != nil {
		t.Fatalf("NewLockedFileStore() error = %v", err)
	}
	return store
}

func seedStore(t *testing.T, store *LockedFileStore, set tokenset.TokenSet) {
	t.Helper()
	_, err := store.Update(context.Background(), func(tokenset.TokenSet) (tokenset.TokenSet, error) {
		return set, nil
	})
	if err != nil {
		t.Fatalf("seeding store: %v", err)
	}
}

func TestLockedFileStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	set := tokenset.TokenSet{
		AccessToken:   "at",
		AccessExpiry:  time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC),
		RefreshToken:  "rt",
		RefreshExpiry: time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC),
		IssuedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	seedStore(t, store, set)

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !got.AccessExpiry.Equal(set.AccessExpiry) || !got.RefreshExpiry.Equal(set.RefreshExpiry) {
		t.Errorf("Load() expiries = %v/%v, want %v/%v", got.AccessExpiry, got.RefreshExpiry, set.AccessExpiry, set.RefreshExpiry)
	}
	if got.AccessToken != "at" || got.RefreshToken != "rt" {
		t.Errorf("Load() tokens = %q/%q, want at/rt", got.AccessToken, got.RefreshToken)
	}

	info, err := os.Stat(store.path)
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("token file permissions = %04o, want 0600", info.Mode().Perm())
	}
}

func TestLockedFileStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load() error = %v, want ErrNoToken", err)
	}
}

func TestLockedFileStoreCorruptRecord(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not JSON at all", content: "not json"},
		{name: "truncated record", content: `{"access_token": "at`},
		{name: "empty record", content: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			if err := os.WriteFile(store.path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("writing corrupt file: %v", err)
			}

			if _, err := store.Load(context.Background()); !errors.Is(err, ErrCorrupt) {
				t.Errorf("Load() error = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestLockedFileStoreProvenanceMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realm.tok")

	writer, err := NewLockedFileStore(path, WithProvenance("https://idp.example.com", "alpha"))
	if err != nil {
		t.Fatalf("NewLockedFileStore() error = %v", err)
	}
	seedStore(t, writer, tokenset.TokenSet{AccessToken: "at", RefreshToken: "rt"})

	reader, err := NewLockedFileStore(path, WithProvenance("https://idp.example.com", "beta"))
	if err != nil {
		t.Fatalf("NewLockedFileStore() error = %v", err)
	}
	if _, err := reader.Load(context.Background()); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Load() with mismatched realm error = %v, want ErrCorrupt", err)
	}
}

func TestLockedFileStoreUpdateRereadsCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "realm.tok")

	first, err := NewLockedFileStore(path)
	if err != nil {
		t.Fatalf("NewLockedFileStore() error = %v", err)
	}
	second, err := NewLockedFileStore(path)
	if err != nil {
		t.Fatalf("NewLockedFileStore() error = %v", err)
	}

	seedStore(t, first, tokenset.TokenSet{AccessToken: "fresh", RefreshToken: "rt"})

	// The second store never read the file before: its callback must still
	// observe what the first store wrote.
	_, err = second.Update(context.Background(), func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		if current.AccessToken != "fresh" {
			t.Errorf("callback saw %q, want fresh", current.AccessToken)
		}
		return current, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
}

func TestLockedFileStoreLockTimeout(t *testing.T) {
	store := newTestStore(t,
		WithLockTimeout(300*time.Millisecond),
		WithRetryDelay(50*time.Millisecond),
	)

	holder := flock.New(store.lockPath)
	locked, err := holder.TryLock()
	if err != nil || !locked {
		t.Fatalf("holding lock externally: locked=%v err=%v", locked, err)
	}
	defer func() { _ = holder.Unlock() }()

	_, err = store.Update(context.Background(), func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		t.Error("callback must not run without the lock")
		return current, nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Update() error = %v, want ErrLockTimeout", err)
	}
}

func TestLockedFileStoreRetryCap(t *testing.T) {
	store := newTestStore(t,
		WithLockTimeout(time.Minute),
		WithRetryDelay(10*time.Millisecond),
		WithLockRetries(3),
	)

	holder := flock.New(store.lockPath)
	if locked, err := holder.TryLock(); err != nil || !locked {
		t.Fatalf("holding lock externally: locked=%v err=%v", locked, err)
	}
	defer func() { _ = holder.Unlock() }()

	start := time.Now()
	_, err := store.Update(context.Background(), func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		return current, nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Update() error = %v, want ErrLockTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("retry cap did not bound the wait: %v", elapsed)
	}
}

func TestLockedFileStoreLockReleasedAfterCallbackError(t *testing.T) {
	store := newTestStore(t)
	seedStore(t, store, tokenset.TokenSet{AccessToken: "at", RefreshToken: "rt"})

	boom := errors.New("gateway down")
	_, err := store.Update(context.Background(), func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		return current, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want %v", err, boom)
	}

	// The lock must be free for the next caller immediately
	next := flock.New(store.lockPath)
	locked, err := next.TryLock()
	if err != nil {
		t.Fatalf("TryLock() after failed update: %v", err)
	}
	if !locked {
		t.Fatal("lock still held after failed update")
	}
	_ = next.Unlock()
}

func TestLockedFileStoreSkipsWriteWhenUnchanged(t *testing.T) {
	store := newTestStore(t)
	seedStore(t, store, tokenset.TokenSet{AccessToken: "at", RefreshToken: "rt"})

	before, err := os.Stat(store.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	set, err := store.Update(context.Background(), func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		return current, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if set.AccessToken != "at" {
		t.Errorf("Update() = %+v, want unchanged set", set)
	}

	after, err := os.Stat(store.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("unchanged set should not be rewritten")
	}
}

func TestLockedFileStoreCancelledWhileWaiting(t *testing.T) {
	store := newTestStore(t, WithLockTimeout(time.Minute), WithRetryDelay(20*time.Millisecond))

	holder := flock.New(store.lockPath)
	if locked, err := holder.TryLock(); err != nil || !locked {
		t.Fatalf("holding lock externally: locked=%v err=%v", locked, err)
	}
	defer func() { _ = holder.Unlock() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := store.Update(ctx, func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		return current, nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Update() error = %v, want context.DeadlineExceeded", err)
	}
}
