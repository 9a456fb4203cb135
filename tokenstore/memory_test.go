package tokenstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fdverney/keyfob/tokenset"
)

func TestMemoryStoreLoadEmpty(t *testing.T) {
	store := NewMemoryStore(tokenset.TokenSet{})

	_, err := store.Load(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("Load() error = %v, want ErrNoToken", err)
	}
}

func TestMemoryStoreSeed(t *testing.T) {
	seed := tokenset.TokenSet{AccessToken: "at", RefreshToken: "rt"}
	store := NewMemoryStore(seed)

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != seed {
		t.Errorf("Load() = %+v, want %+v", got, seed)
	}
}

func TestMemoryStoreUpdate(t *testing.T) {
	store := NewMemoryStore(tokenset.TokenSet{})
	next := tokenset.TokenSet{
		AccessToken:  "at2",
		AccessExpiry: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		RefreshToken: "rt2",
	}

	got, err := store.Update(context.Background(), func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		if !current.IsZero() {
			t.Errorf("callback saw %+v, want zero set", current)
		}
		return next, nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if got != next {
		t.Errorf("Update() = %+v, want %+v", got, next)
	}

	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() after update error = %v", err)
	}
	if loaded != next {
		t.Errorf("Load() = %+v, want %+v", loaded, next)
	}
}

func TestMemoryStoreUpdateError(t *testing.T) {
	seed := tokenset.TokenSet{AccessToken: "at", RefreshToken: "rt"}
	store := NewMemoryStore(seed)
	boom := errors.New("boom")

	_, err := store.Update(context.Background(), func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		return tokenset.TokenSet{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want %v", err, boom)
	}

	// Failed update leaves the stored set untouched
	loaded, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded != seed {
		t.Errorf("Load() = %+v, want untouched %+v", loaded, seed)
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	store := NewMemoryStore(tokenset.TokenSet{AccessToken: "at"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Load(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Load() error = %v, want context.Canceled", err)
	}
	_, err := store.Update(ctx, func(current tokenset.TokenSet) (tokenset.TokenSet, error) {
		t.Error("callback must not run on cancelled context")
		return current, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Update() error = %v, want context.Canceled", err)
	}
}
