package scanner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/projectdiscovery/gologger"
)

const (
	MaxDefaultConcurrency = 32
	StageScanning         = "Scanning"
)

// ProgressFunc is called with progress updates during scanning
type ProgressFunc func(stage string, current, total int)

type Options struct {
	Fetcher Fetcher
	// Limiter may be nil for an unthrottled scan.
	Limiter *RateLimiter
	// Concurrency <= 0 selects DefaultConcurrency.
	Concurrency int
	OnProgress  ProgressFunc
}

// DefaultConcurrency is min(32, targets), never below 1.
func DefaultConcurrency(targets int) int {
	if targets < 1 {
		return 1
	}
	if targets > MaxDefaultConcurrency {
		return MaxDefaultConcurrency
	}
	return targets
}

// Scan fetches every target with a bounded pool of workers and returns one
// result per claimed target, in completion order. Cancelling ctx stops
// workers from claiming new targets; fetches already started run to
// completion or their own timeout.
func Scan(ctx context.Context, targets []Target, opts Options) []ScanResult {
	if opts.Fetcher == nil {
		opts.Fetcher = NewFetcher(FetcherOptions{})
	}
	onProgress := opts.OnProgress
	if onProgress == nil {
		onProgress = func(string, int, int) {
			// no-op
		}
	}

	total := len(targets)
	workers := opts.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency(total)
	}
	if workers > total {
		workers = total
	}

	queue := make(chan Target, total)
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make([]ScanResult, 0, total)
	)

	collect := func(r ScanResult) {
		mu.Lock()
		results = append(results, r)
		onProgress(StageScanning, len(results), total)
		mu.Unlock()
	}

	// In-flight fetches must not be cut short by an interrupt.
	fetchCtx := context.WithoutCancel(ctx)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				target, ok := <-queue
				if !ok {
					return
				}

				if err := opts.Limiter.Acquire(ctx); err != nil {
					collect(ScanResult{
						Target: target,
						Outcome: FetchOutcome{
							Target:      target,
							Error:       KindCanceled,
							ErrorDetail: err.Error(),
						},
					})
					continue
				}

				outcome := safeFetch(fetchCtx, opts.Fetcher, target)
				if outcome.Failed() {
					gologger.Debug().Msgf("%s: %s (%s)", target.URL, outcome.Error, outcome.ErrorDetail)
				}
				collect(ScanResult{
					Target:     target,
					Outcome:    outcome,
					Redirected: outcome.RedirectedTo != nil,
				})
			}
		}()
	}
	wg.Wait()

	return results
}

// safeFetch keeps a panicking fetch from taking down the pool.
func safeFetch(ctx context.Context, fetcher Fetcher, target Target) (outcome FetchOutcome) {
	defer func() {
		if r := recover(); r != nil {
			gologger.Warning().Msgf("Recovered panic while fetching %s: %v\n%s", target.URL, r, debug.Stack())
			outcome = FetchOutcome{
				Target:      target,
				Error:       KindInternal,
				ErrorDetail: fmt.Sprint(r),
			}
		}
	}()
	return fetcher.Fetch(ctx, target)
}
