package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers is the worker count used when none is configured.
const DefaultMaxWorkers = 4

// Pool runs independent requests concurrently through one Orchestrator.
// Each request keeps its own sequential attempt loop; the pool only bounds
// how many loops are in flight.
type Pool struct {
	orchestrator *Orchestrator
	maxWorkers   int
	logger       zerolog.Logger
}

// NewPool creates a pool. maxWorkers <= 0 selects DefaultMaxWorkers.
func NewPool(o *Orchestrator, maxWorkers int, logger zerolog.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{
		orchestrator: o,
		maxWorkers:   maxWorkers,
		logger:       logger.With().Str("component", "pool").Logger(),
	}
}

// MaxWorkers returns the concurrency limit.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// RunAll processes every request and returns the results in input order.
// A request that is rejected before its first attempt has a nil result.
//
// The returned error joins the per-request errors, each wrapped with the
// request index and ID, so callers can use errors.As to find an
// *ExhaustedError. One request failing never cancels the others.
func (p *Pool) RunAll(ctx context.Context, reqs []OperationRequest) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	errs := make([]error, len(reqs))

	workers := p.maxWorkers
	if len(reqs) < workers {
		workers = len(reqs)
	}
	p.logger.Debug().
		Int("requests", len(reqs)).
		Int("workers", workers).
		Msg("Starting pool")

	var g errgroup.Group
	g.SetLimit(p.maxWorkers)

	for i := range reqs {
		g.Go(func() error {
			// Each goroutine owns results[i] and errs[i].
			res, err := p.orchestrator.Run(ctx, reqs[i])
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("request %d (%s): %w", i, reqs[i].ID, err)
			}
			return nil
		})
	}

	_ = g.Wait()

	return results, errors.Join(errs...)
}

// Summary counts results by terminal state. Nil results count as rejected.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Exhausted int `json:"exhausted"`
	Cancelled int `json:"cancelled"`
	Rejected  int `json:"rejected"`
}

// Summarize computes the summary of a pool run.
func Summarize(results []*Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r == nil {
			s.Rejected++
			continue
		}
		switch r.State {
		case StateSucceeded:
			s.Succeeded++
		case StateExhausted:
			s.Exhausted++
		case StateCancelled:
			s.Cancelled++
		}
	}
	return s
}

// AllSucceeded reports whether every request succeeded.
func (s Summary) AllSucceeded() bool {
	return s.Total == s.Succeeded
}
