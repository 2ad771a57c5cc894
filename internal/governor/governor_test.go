package governor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brume-vpn/brume/internal/model"
)

func TestPermitNewStream(t *testing.T) {
	t.Run("admits within the burst immediately", func(t *testing.T) {
		g := New(model.NewTestLogger(), Params{
			StreamsPerSecond: 1,
			StreamBurst:      5,
			MaxWait:          time.Second,
		})
		start := time.Now()
		for i := 0; i < 5; i++ {
			if err := g.PermitNewStream(context.Background()); err != nil {
				t.Fatal(err)
			}
		}
		if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
			t.Fatalf("burst admission took %v", elapsed)
		}
	})

	t.Run("rejects when the wait would exceed MaxWait", func(t *testing.T) {
		g := New(model.NewTestLogger(), Params{
			StreamsPerSecond: 0.001,
			StreamBurst:      1,
			MaxWait:          10 * time.Millisecond,
		})
		if err := g.PermitNewStream(context.Background()); err != nil {
			t.Fatal(err)
		}
		// the bucket is empty and refills in ~1000s, way past MaxWait
		if err := g.PermitNewStream(context.Background()); !errors.Is(err, ErrOverloaded) {
			t.Fatalf("got %v, want %v", err, ErrOverloaded)
		}
	})

	t.Run("honors context cancellation while waiting", func(t *testing.T) {
		g := New(model.NewTestLogger(), Params{
			StreamsPerSecond: 1,
			StreamBurst:      1,
			MaxWait:          10 * time.Second,
		})
		if err := g.PermitNewStream(context.Background()); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := g.PermitNewStream(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("got %v, want %v", err, context.DeadlineExceeded)
		}
	})
}

func TestPermitBytes(t *testing.T) {
	t.Run("disabled pacing never delays", func(t *testing.T) {
		g := New(model.NewTestLogger(), DefaultParams())
		if d := g.PermitBytes(1 << 20); d != 0 {
			t.Fatalf("expected no delay, got %v", d)
		}
	})

	t.Run("enabled pacing delays once the bucket drains", func(t *testing.T) {
		g := New(model.NewTestLogger(), Params{
			StreamsPerSecond: 1,
			StreamBurst:      1,
			BytesPerSecond:   1024,
			ByteBurst:        1024,
			MaxWait:          time.Second,
		})
		g.PermitBytes(1024) // drain the bucket
		if d := g.PermitBytes(512); d <= 0 {
			t.Fatalf("expected a positive delay, got %v", d)
		}
	})
}
