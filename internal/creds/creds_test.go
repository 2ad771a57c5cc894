package creds

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/brume-vpn/brume/internal/binder"
	"github.com/brume-vpn/brume/internal/cachedb"
	"github.com/brume-vpn/brume/internal/model"
)

func newTestDB(t *testing.T) *cachedb.DB {
	t.Helper()
	db, err := cachedb.Open(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatal(err)
	}
	return db
}

func okClient(exchanges *atomic.Int64) *binder.MockClient {
	return &binder.MockClient{
		MockEpochSigningKey: func(ctx context.Context, tier string, epoch uint64) ([]byte, error) {
			return []byte("key"), nil
		},
		MockAuthenticate: func(ctx context.Context, req *binder.AuthRequest) (*binder.AuthResponse, error) {
			if exchanges != nil {
				exchanges.Add(1)
			}
			return &binder.AuthResponse{BlindSignature: []byte("sig")}, nil
		},
	}
}

func TestSingleAcquisition(t *testing.T) {
	var exchanges atomic.Int64
	store := NewStore(model.NewTestLogger(), okClient(&exchanges), &binder.NopBlinder{},
		"alice", "hunter2", []string{"plus"}, newTestDB(t))

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Get(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if n := exchanges.Load(); n != 1 {
		t.Fatalf("expected exactly one binder exchange, got %d", n)
	}
}

func TestGetNeverReturnsExpired(t *testing.T) {
	store := NewStore(model.NewTestLogger(), okClient(nil), &binder.NopBlinder{},
		"alice", "hunter2", []string{"plus"}, newTestDB(t))
	cred, err := store.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if cred.Expired(timeNow()) {
		t.Fatal("Get returned an expired credential")
	}
}

func TestTierFallback(t *testing.T) {
	var gotTier string
	client := &binder.MockClient{
		MockEpochSigningKey: func(ctx context.Context, tier string, epoch uint64) ([]byte, error) {
			return []byte("key"), nil
		},
		MockAuthenticate: func(ctx context.Context, req *binder.AuthRequest) (*binder.AuthResponse, error) {
			if req.Tier == "plus" {
				return nil, binder.ErrWrongTier
			}
			gotTier = req.Tier
			return &binder.AuthResponse{BlindSignature: []byte("sig")}, nil
		},
	}
	store := NewStore(model.NewTestLogger(), client, &binder.NopBlinder{},
		"alice", "hunter2", []string{"plus", "free"}, newTestDB(t))
	cred, err := store.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if gotTier != "free" || cred.Tier != "free" {
		t.Fatalf("expected fallback to free tier, got %q", cred.Tier)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		binderErr error
		want      error
	}{
		{
			name:      "explicit rejection is fatal",
			binderErr: binder.ErrRejected,
			want:      model.ErrAuthRejected,
		},
		{
			name:      "network failure is transient",
			binderErr: errors.New("connection refused"),
			want:      model.ErrAuthUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &binder.MockClient{
				MockEpochSigningKey: func(ctx context.Context, tier string, epoch uint64) ([]byte, error) {
					return nil, tt.binderErr
				},
			}
			store := NewStore(model.NewTestLogger(), client, &binder.NopBlinder{},
				"alice", "hunter2", []string{"plus"}, newTestDB(t))
			_, err := store.Get(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNoTierWorksIsRejected(t *testing.T) {
	client := &binder.MockClient{
		MockEpochSigningKey: func(ctx context.Context, tier string, epoch uint64) ([]byte, error) {
			return []byte("key"), nil
		},
		MockAuthenticate: func(ctx context.Context, req *binder.AuthRequest) (*binder.AuthResponse, error) {
			return nil, binder.ErrWrongTier
		},
	}
	store := NewStore(model.NewTestLogger(), client, &binder.NopBlinder{},
		"alice", "hunter2", []string{"plus", "free"}, newTestDB(t))
	_, err := store.Get(context.Background())
	if !errors.Is(err, model.ErrAuthRejected) {
		t.Fatalf("got %v, want %v", err, model.ErrAuthRejected)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	db := newTestDB(t)
	var exchanges atomic.Int64

	store := NewStore(model.NewTestLogger(), okClient(&exchanges), &binder.NopBlinder{},
		"alice", "hunter2", []string{"plus"}, db)
	if _, err := store.Get(context.Background()); err != nil {
		t.Fatal(err)
	}

	// a second store sharing the same database must not hit the binder
	store2 := NewStore(model.NewTestLogger(), okClient(&exchanges), &binder.NopBlinder{},
		"alice", "hunter2", []string{"plus"}, db)
	if _, err := store2.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := exchanges.Load(); n != 1 {
		t.Fatalf("expected the cached credential to be reused, got %d exchanges", n)
	}
}

func TestInvalidateForcesFreshExchange(t *testing.T) {
	var exchanges atomic.Int64
	store := NewStore(model.NewTestLogger(), okClient(&exchanges), &binder.NopBlinder{},
		"alice", "hunter2", []string{"plus"}, newTestDB(t))

	cred, err := store.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	store.Invalidate(cred.Epoch)
	if _, err := store.Get(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := exchanges.Load(); n != 2 {
		t.Fatalf("expected a fresh exchange after Invalidate, got %d", n)
	}
}
