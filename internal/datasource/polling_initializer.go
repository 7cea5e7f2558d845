package datasource

import (
	"context"
	"sync"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"

	"github.com/launchdarkly/go-client-sdk/subsystems"
)

// pollingInitializer performs a single poll request to bootstrap flag data before the
// synchronizers take over. Unlike the polling synchronizer it never repeats; a failure just
// hands control to the next source.
type pollingInitializer struct {
	fetcher     subsystems.FeatureFetcher
	evalContext ldcontext.Context

	lock      sync.Mutex
	cancelRun context.CancelFunc
	closed    bool
}

// NewPollingInitializer creates the one-shot polling Initializer. The fetcher is shared with
// other sources and is not closed by this initializer.
func NewPollingInitializer(
	fetcher subsystems.FeatureFetcher,
	evalContext ldcontext.Context,
) subsystems.Initializer {
	return &pollingInitializer{fetcher: fetcher, evalContext: evalContext}
}

func (p *pollingInitializer) Run(ctx context.Context) (subsystems.SourceResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.lock.Lock()
	if p.closed {
		p.lock.Unlock()
		return subsystems.SourceResult{}, context.Canceled
	}
	p.cancelRun = cancel
	p.lock.Unlock()

	result, _ := pollOnce(runCtx, p.fetcher, p.evalContext)
	if runCtx.Err() != nil {
		return subsystems.SourceResult{}, runCtx.Err()
	}
	return result, nil
}

func (p *pollingInitializer) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.closed = true
	if p.cancelRun != nil {
		p.cancelRun()
	}
	return nil
}
