package supervisor

import (
	"context"
	"time"

	"github.com/loykin/readyd/internal/detector"
	"github.com/loykin/readyd/internal/history"
)

// Finder lists running processes that match the worker image.
// detector.NameDetector is the production implementation.
type Finder interface {
	Find(ctx context.Context) ([]detector.Match, error)
}

// FinderFunc adapts a function to Finder.
type FinderFunc func(ctx context.Context) ([]detector.Match, error)

func (f FinderFunc) Find(ctx context.Context) ([]detector.Match, error) { return f(ctx) }

// KeepRunningOptions configures the background keep-alive policy.
type KeepRunningOptions struct {
	Interval       time.Duration // check cadence (default 30s)
	KillOldProcess bool          // kill duplicate instances, keeping the newest
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithFinder overrides the process lookup.
func WithFinder(f Finder) Option {
	return func(s *Supervisor) { s.finder = f }
}

// WithRecorder sets the history recorder for start/kill events.
func WithRecorder(r *history.Recorder) Option {
	return func(s *Supervisor) { s.rec = r }
}
