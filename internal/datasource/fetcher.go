package datasource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

const defaultFetchTimeout = 10 * time.Second

// httpFeatureFetcher is the standard FeatureFetcher implementation, requesting the full flag
// payload from the polling endpoint.
//
// Concurrent fetches for the same context are coalesced into one request, since the polling
// synchronizer, the one-shot initializer, and stream-triggered refreshes can all ask for the
// same payload at nearly the same time.
type httpFeatureFetcher struct {
	httpClient     *http.Client
	requestFactory *RequestFactory
	loggers        ldlog.Loggers
	inflight       singleflight.Group
}

// NewFeatureFetcher creates the standard HTTP FeatureFetcher. A nil httpClient selects a
// default client with a 10 second timeout.
func NewFeatureFetcher(
	httpClient *http.Client,
	requestFactory *RequestFactory,
	loggers ldlog.Loggers,
) subsystems.FeatureFetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &httpFeatureFetcher{
		httpClient:     httpClient,
		requestFactory: requestFactory,
		loggers:        loggers,
	}
}

func (f *httpFeatureFetcher) Fetch(ctx context.Context, evalContext ldcontext.Context) ([]byte, error) {
	resultCh := f.inflight.DoChan(evalContext.FullyQualifiedKey(), func() (interface{}, error) {
		return f.doFetch(ctx, evalContext)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.([]byte), nil
	}
}

func (f *httpFeatureFetcher) doFetch(ctx context.Context, evalContext ldcontext.Context) ([]byte, error) {
	req, err := f.requestFactory.MakePollRequest(evalContext)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)

	f.loggers.Debugf("Polling for flag data at %s", req.URL)
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, interfaces.NewFailure("Polling request failed", interfaces.FailureNetworkFailure, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, interfaces.NewInvalidResponseCodeFailure(
			fmt.Sprintf("Unexpected response code %d from polling request", resp.StatusCode),
			nil, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, interfaces.NewFailure("Error reading polling response", interfaces.FailureNetworkFailure, err)
	}
	return body, nil
}

func (f *httpFeatureFetcher) Close() error {
	f.httpClient.CloseIdleConnections()
	return nil
}
