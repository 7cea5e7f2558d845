package datasource

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

var errPollSynchronizerClosed = errors.New("polling synchronizer was closed")

// pollSynchronizer requests the full flag payload at a fixed interval. It is the fallback
// strategy when streaming is unavailable, and the primary one in background mode, where the
// interval is much longer.
type pollSynchronizer struct {
	fetcher     subsystems.FeatureFetcher
	evalContext ldcontext.Context
	interval    time.Duration
	loggers     ldlog.Loggers

	results   chan subsystems.SourceResult
	halt      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewPollSynchronizer creates the polling Synchronizer. The first poll happens immediately on
// the first Next call, then repeats every interval.
func NewPollSynchronizer(
	fetcher subsystems.FeatureFetcher,
	evalContext ldcontext.Context,
	interval time.Duration,
	loggers ldlog.Loggers,
) subsystems.Synchronizer {
	return &pollSynchronizer{
		fetcher:     fetcher,
		evalContext: evalContext,
		interval:    interval,
		loggers:     loggers,
		results:     make(chan subsystems.SourceResult),
		halt:        make(chan struct{}),
	}
}

func (p *pollSynchronizer) Next(ctx context.Context) (subsystems.SourceResult, error) {
	p.startOnce.Do(func() {
		go p.run()
	})
	select {
	case <-ctx.Done():
		return subsystems.SourceResult{}, ctx.Err()
	case <-p.halt:
		return subsystems.SourceResult{}, errPollSynchronizerClosed
	case result := <-p.results:
		return result, nil
	}
}

func (p *pollSynchronizer) Close() error {
	p.closeOnce.Do(func() {
		close(p.halt)
	})
	return nil
}

func (p *pollSynchronizer) run() {
	fetchCtx, cancelFetches := context.WithCancel(context.Background())
	defer cancelFetches()
	go func() {
		<-p.halt
		cancelFetches()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		result, terminal := pollOnce(fetchCtx, p.fetcher, p.evalContext)
		if fetchCtx.Err() != nil {
			return
		}
		select {
		case p.results <- result:
		case <-p.halt:
			return
		}
		if terminal {
			return
		}
		select {
		case <-ticker.C:
		case <-p.halt:
			return
		}
	}
}

// pollOnce performs one poll request and converts the outcome to a SourceResult. The second
// return value is true if the failure is permanent and polling should not continue.
func pollOnce(
	ctx context.Context,
	fetcher subsystems.FeatureFetcher,
	evalContext ldcontext.Context,
) (subsystems.SourceResult, bool) {
	body, err := fetcher.Fetch(ctx, evalContext)
	if err != nil {
		var responseCodeFailure *interfaces.InvalidResponseCodeFailure
		if errors.As(err, &responseCodeFailure) && !responseCodeFailure.Retryable {
			return subsystems.StatusResult(subsystems.SourceStatus{
				Signal: subsystems.SourceTerminalError,
				Err:    responseCodeFailure,
			}), true
		}
		return subsystems.StatusResult(subsystems.SourceStatus{
			Signal: subsystems.SourceInterrupted,
			Err:    err,
		}), false
	}
	data, err := subsystems.ParseEnvironmentData(body)
	if err != nil {
		return subsystems.StatusResult(subsystems.SourceStatus{
			Signal: subsystems.SourceInterrupted,
			Err:    interfaces.NewFailure("Malformed polling response", interfaces.FailureInvalidResponseBody, err),
		}), false
	}
	return subsystems.ChangeSetResult(
		subsystems.MakeFullChangeSet(data.All(), subsystems.Selector{}, true)), false
}
