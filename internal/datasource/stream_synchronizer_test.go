package datasource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ct "github.com/launchdarkly/go-configtypes"
	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
	"github.com/launchdarkly/go-test-helpers/v3/httphelpers"

	"github.com/launchdarkly/go-client-sdk/config"
	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

type stubFetcher struct {
	body []byte
	err  error
}

func (f *stubFetcher) Fetch(ctx context.Context, evalContext ldcontext.Context) ([]byte, error) {
	return f.body, f.err
}

func (f *stubFetcher) Close() error { return nil }

// countingFetcher simulates a slow polling endpoint and records how many requests were made.
type countingFetcher struct {
	body  []byte
	delay time.Duration

	lock    sync.Mutex
	fetches int
}

func (f *countingFetcher) Fetch(ctx context.Context, evalContext ldcontext.Context) ([]byte, error) {
	f.lock.Lock()
	f.fetches++
	f.lock.Unlock()
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.body, nil
}

func (f *countingFetcher) Close() error { return nil }

func (f *countingFetcher) fetchCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.fetches
}

func initialPutEvent() *httphelpers.SSEEvent {
	return &httphelpers.SSEEvent{Event: putEventName, Data: testFlagPayload}
}

func withStreamSynchronizerAndHandler(
	t *testing.T,
	handler http.Handler,
	fetcher subsystems.FeatureFetcher,
	action func(s subsystems.Synchronizer),
) {
	t.Helper()
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		c := config.Config{MobileKey: "mob-key"}
		c.StreamURI, _ = ct.NewOptURLAbsoluteFromString(server.URL)
		s := NewStreamSynchronizer(NewRequestFactory(c), nil, fetcher, ldcontext.New("user-key"),
			time.Millisecond, ldlog.NewDisabledLoggers())
		defer s.Close()
		action(s)
	})
}

func requireNextResult(t *testing.T, s subsystems.Synchronizer) subsystems.SourceResult {
	t.Helper()
	type nextOutput struct {
		result subsystems.SourceResult
		err    error
	}
	ch := make(chan nextOutput, 1)
	go func() {
		result, err := s.Next(context.Background())
		ch <- nextOutput{result, err}
	}()
	select {
	case out := <-ch:
		require.NoError(t, out.err)
		return out.result
	case <-time.After(5 * time.Second):
		require.Fail(t, "timed out waiting for synchronizer result")
		return subsystems.SourceResult{}
	}
}

func requireInterruptedWith(t *testing.T, result subsystems.SourceResult, failureType interfaces.FailureType) {
	t.Helper()
	require.False(t, result.IsChangeSet())
	status := result.Status()
	assert.Equal(t, subsystems.SourceInterrupted, status.Signal)
	var failure *interfaces.LDFailure
	require.True(t, errors.As(status.Err, &failure))
	assert.Equal(t, failureType, failure.Type)
}

func TestStreamPutEventProducesFullChangeSet(t *testing.T) {
	streamHandler, stream := httphelpers.SSEHandler(initialPutEvent())
	defer stream.Close()
	withStreamSynchronizerAndHandler(t, streamHandler, &stubFetcher{}, func(s subsystems.Synchronizer) {
		result := requireNextResult(t, s)
		require.True(t, result.IsChangeSet())
		changeSet := result.ChangeSet()
		assert.Equal(t, subsystems.ChangeSetFull, changeSet.Type)
		assert.True(t, changeSet.ShouldPersist)
		assert.False(t, changeSet.Selector.IsDefined())
		require.Contains(t, changeSet.Items, "flag1")
		assert.Equal(t, 1, changeSet.Items["flag1"].Version)
	})
}

func TestStreamPatchEventProducesPartialChangeSet(t *testing.T) {
	streamHandler, stream := httphelpers.SSEHandler(initialPutEvent())
	defer stream.Close()
	withStreamSynchronizerAndHandler(t, streamHandler, &stubFetcher{}, func(s subsystems.Synchronizer) {
		requireNextResult(t, s) // initial put

		stream.Enqueue(httphelpers.SSEEvent{
			Event: patchEventName,
			Data:  `{"key":"flag2","value":"on","version":3}`,
		})
		result := requireNextResult(t, s)
		require.True(t, result.IsChangeSet())
		changeSet := result.ChangeSet()
		assert.Equal(t, subsystems.ChangeSetPartial, changeSet.Type)
		require.Len(t, changeSet.Items, 1)
		assert.Equal(t, 3, changeSet.Items["flag2"].Version)
	})
}

func TestStreamDeleteEventProducesTombstone(t *testing.T) {
	streamHandler, stream := httphelpers.SSEHandler(initialPutEvent())
	defer stream.Close()
	withStreamSynchronizerAndHandler(t, streamHandler, &stubFetcher{}, func(s subsystems.Synchronizer) {
		requireNextResult(t, s) // initial put

		stream.Enqueue(httphelpers.SSEEvent{
			Event: deleteEventName,
			Data:  `{"key":"flag1","version":9}`,
		})
		result := requireNextResult(t, s)
		require.True(t, result.IsChangeSet())
		changeSet := result.ChangeSet()
		assert.Equal(t, subsystems.ChangeSetPartial, changeSet.Type)
		require.Contains(t, changeSet.Items, "flag1")
		assert.True(t, changeSet.Items["flag1"].Deleted)
		assert.Equal(t, 9, changeSet.Items["flag1"].Version)
	})
}

func TestStreamMalformedEventIsReportedAsInterruption(t *testing.T) {
	malformed := &httphelpers.SSEEvent{Event: putEventName, Data: `{"oh no`}
	streamHandler, stream := httphelpers.SSEHandler(malformed)
	defer stream.Close()
	withStreamSynchronizerAndHandler(t, streamHandler, &stubFetcher{}, func(s subsystems.Synchronizer) {
		requireInterruptedWith(t, requireNextResult(t, s), interfaces.FailureInvalidResponseBody)
	})
}

func TestStreamUnknownEventIsReportedAsInterruption(t *testing.T) {
	unknown := &httphelpers.SSEEvent{Event: "mystery", Data: `{}`}
	streamHandler, stream := httphelpers.SSEHandler(unknown)
	defer stream.Close()
	withStreamSynchronizerAndHandler(t, streamHandler, &stubFetcher{}, func(s subsystems.Synchronizer) {
		requireInterruptedWith(t, requireNextResult(t, s), interfaces.FailureUnexpectedStreamElementType)
	})
}

func TestStreamPingEventTriggersPollRequest(t *testing.T) {
	ping := &httphelpers.SSEEvent{Event: pingEventName, Data: " "}
	streamHandler, stream := httphelpers.SSEHandler(ping)
	defer stream.Close()
	fetcher := &stubFetcher{body: []byte(testFlagPayload)}
	withStreamSynchronizerAndHandler(t, streamHandler, fetcher, func(s subsystems.Synchronizer) {
		result := requireNextResult(t, s)
		require.True(t, result.IsChangeSet())
		changeSet := result.ChangeSet()
		assert.Equal(t, subsystems.ChangeSetFull, changeSet.Type)
		require.Contains(t, changeSet.Items, "flag1")
	})
}

func TestStreamPingEventFetchFailureIsReported(t *testing.T) {
	ping := &httphelpers.SSEEvent{Event: pingEventName, Data: " "}
	streamHandler, stream := httphelpers.SSEHandler(ping)
	defer stream.Close()
	fetcher := &stubFetcher{err: interfaces.NewFailure("boom", interfaces.FailureNetworkFailure, nil)}
	withStreamSynchronizerAndHandler(t, streamHandler, fetcher, func(s subsystems.Synchronizer) {
		requireInterruptedWith(t, requireNextResult(t, s), interfaces.FailureNetworkFailure)
	})
}

func TestStreamCoalescesRapidPingEvents(t *testing.T) {
	ping := httphelpers.SSEEvent{Event: pingEventName, Data: " "}
	streamHandler, stream := httphelpers.SSEHandler(&ping)
	defer stream.Close()
	fetcher := &countingFetcher{body: []byte(testFlagPayload), delay: 100 * time.Millisecond}
	withStreamSynchronizerAndHandler(t, streamHandler, fetcher, func(s subsystems.Synchronizer) {
		for i := 0; i < 4; i++ {
			stream.Enqueue(ping)
		}

		// the first ping starts a fetch; the later ones land while it is in flight and must be
		// collapsed into at most one follow-up fetch rather than queueing a fetch apiece
		result := requireNextResult(t, s)
		require.True(t, result.IsChangeSet())

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		for {
			if _, err := s.Next(ctx); err != nil {
				break
			}
		}
		assert.GreaterOrEqual(t, fetcher.fetchCount(), 1)
		assert.LessOrEqual(t, fetcher.fetchCount(), 2)
	})
}

func TestStreamUnauthorizedResponseIsTerminal(t *testing.T) {
	withStreamSynchronizerAndHandler(t, httphelpers.HandlerWithStatus(401), &stubFetcher{},
		func(s subsystems.Synchronizer) {
			result := requireNextResult(t, s)
			require.False(t, result.IsChangeSet())
			status := result.Status()
			assert.Equal(t, subsystems.SourceTerminalError, status.Signal)

			var failure *interfaces.InvalidResponseCodeFailure
			require.True(t, errors.As(status.Err, &failure))
			assert.Equal(t, 401, failure.Code)
			assert.False(t, failure.Retryable)
		})
}

func TestStreamRecoverableHTTPErrorRetries(t *testing.T) {
	streamHandler, stream := httphelpers.SSEHandler(initialPutEvent())
	defer stream.Close()
	handler := httphelpers.SequentialHandler(httphelpers.HandlerWithStatus(503), streamHandler)
	withStreamSynchronizerAndHandler(t, handler, &stubFetcher{}, func(s subsystems.Synchronizer) {
		first := requireNextResult(t, s)
		require.False(t, first.IsChangeSet())
		assert.Equal(t, subsystems.SourceInterrupted, first.Status().Signal)

		second := requireNextResult(t, s)
		assert.True(t, second.IsChangeSet())
	})
}
