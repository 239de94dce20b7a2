// Package pacing spaces out the sub-steps of an automation handler with
// randomized, cancellable pauses.
package pacing

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy bounds the uniform pause between sub-steps. A zero Policy never
// sleeps, which is what tests use.
type Policy struct {
	Min time.Duration
	Max time.Duration
}

var (
	rndMu sync.Mutex
	rnd   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func int63n(n int64) int64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Int63n(n)
}

func float64n() float64 {
	rndMu.Lock()
	defer rndMu.Unlock()
	return rnd.Float64()
}

// Delay draws a duration in [Min, Max].
func (p Policy) Delay() time.Duration {
	if p.Max <= p.Min {
		return p.Min
	}
	return p.Min + time.Duration(int63n(int64(p.Max-p.Min)+1))
}

// Pause sleeps for one Delay or until ctx is done.
func (p Policy) Pause(ctx context.Context) error {
	return Sleep(ctx, p.Delay())
}

// Think is a longer pause, clustered around three times the midpoint of the
// policy, used before committing actions such as pressing Send.
func (p Policy) Think(ctx context.Context) error {
	mean := 3 * (p.Min + p.Max) / 2
	return Sleep(ctx, Gaussian(mean, mean/3))
}

// Between returns a random duration in [min, max].
func Between(lo, hi time.Duration) time.Duration {
	return Policy{Min: lo, Max: hi}.Delay()
}

// Gaussian draws from a normal distribution clamped to mean±3σ and to >= 0.
func Gaussian(mean, stdDev time.Duration) time.Duration {
	if stdDev <= 0 {
		return mean
	}
	u1 := float64n()
	for u1 == 0 {
		u1 = float64n()
	}
	u2 := float64n()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	d := mean + time.Duration(z*float64(stdDev))
	if lo := mean - 3*stdDev; d < lo {
		d = lo
	}
	if hi := mean + 3*stdDev; d > hi {
		d = hi
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Sleep waits for d, returning ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
