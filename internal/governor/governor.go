// Package governor paces outbound stream opens and, optionally,
// aggregate throughput. Bursts of connection attempts are a blocking
// signature; the governor smooths them into an unremarkable trickle.
// Its answers are advisory: the multiplexer delays on denial rather
// than failing, unless the wait would exceed the configured maximum.
package governor

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/brume-vpn/brume/internal/model"
)

// ErrOverloaded means admitting the request would exceed the maximum
// tolerated delay, so the local connection is rejected instead.
var ErrOverloaded = errors.New("governor: admission queue full")

// Params are the pacing tunables.
type Params struct {
	// StreamsPerSecond is the sustained stream-open rate.
	StreamsPerSecond float64

	// StreamBurst is the stream-open burst size.
	StreamBurst int

	// BytesPerSecond is the sustained outbound byte rate, zero to
	// disable byte pacing.
	BytesPerSecond float64

	// ByteBurst is the byte bucket size.
	ByteBurst int

	// MaxWait bounds how long one admission may be delayed before the
	// request is rejected outright.
	MaxWait time.Duration
}

// DefaultParams returns the default pacing parameters: gentle stream
// pacing, no byte pacing.
func DefaultParams() Params {
	return Params{
		StreamsPerSecond: 25,
		StreamBurst:      50,
		BytesPerSecond:   0,
		ByteBurst:        0,
		MaxWait:          2 * time.Second,
	}
}

// Governor implements token-bucket admission. The zero value is
// invalid; use [New]. Governor is safe for concurrent use.
type Governor struct {
	logger  model.Logger
	params  Params
	streams *rate.Limiter
	bytes   *rate.Limiter
}

// New creates a [Governor] with the given parameters.
func New(logger model.Logger, params Params) *Governor {
	g := &Governor{
		logger:  logger,
		params:  params,
		streams: rate.NewLimiter(rate.Limit(params.StreamsPerSecond), params.StreamBurst),
	}
	if params.BytesPerSecond > 0 {
		g.bytes = rate.NewLimiter(rate.Limit(params.BytesPerSecond), params.ByteBurst)
	}
	return g
}

// PermitNewStream blocks until a new stream may be opened. It returns
// [ErrOverloaded] when the wait would exceed the maximum, and the
// context error when the context ends first.
func (g *Governor) PermitNewStream(ctx context.Context) error {
	r := g.streams.Reserve()
	if !r.OK() {
		return ErrOverloaded
	}
	delay := r.Delay()
	if delay > g.params.MaxWait {
		r.Cancel()
		return ErrOverloaded
	}
	if delay == 0 {
		return nil
	}
	g.logger.Debugf("governor: delaying stream open by %v", delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// PermitBytes returns how long the caller should wait before writing n
// bytes. It returns zero when byte pacing is disabled.
func (g *Governor) PermitBytes(n int) time.Duration {
	if g.bytes == nil {
		return 0
	}
	// writes larger than the bucket are admitted in bucket-size steps
	if n > g.params.ByteBurst {
		n = g.params.ByteBurst
	}
	r := g.bytes.ReserveN(time.Now(), n)
	if !r.OK() {
		return g.params.MaxWait
	}
	return r.Delay()
}
