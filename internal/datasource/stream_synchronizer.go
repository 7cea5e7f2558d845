package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	es "github.com/launchdarkly/eventsource"
	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	"github.com/launchdarkly/go-sdk-common/v3/ldlog"

	"github.com/launchdarkly/go-client-sdk/interfaces"
	"github.com/launchdarkly/go-client-sdk/subsystems"
)

const (
	putEventName    = "put"
	patchEventName  = "patch"
	deleteEventName = "delete"
	pingEventName   = "ping"

	streamReadTimeout        = 5 * time.Minute // the stream sends a heartbeat comment every 3 minutes
	streamMaxRetryDelay      = 30 * time.Second
	streamRetryResetInterval = 60 * time.Second
	streamJitterRatio        = 0.5
	defaultStreamRetryDelay  = time.Second
)

var errStreamSynchronizerClosed = errors.New("stream synchronizer was closed")

// streamSynchronizer is the primary data acquisition strategy: a long-lived SSE connection on
// which the service pushes the full payload at connection time and individual flag updates
// afterward. Reconnection and backoff are delegated to the eventsource client; only errors that
// cannot be fixed by reconnecting terminate the synchronizer.
type streamSynchronizer struct {
	requestFactory    *RequestFactory
	httpClient        *http.Client
	fetcher           subsystems.FeatureFetcher
	evalContext       ldcontext.Context
	initialRetryDelay time.Duration
	loggers           ldlog.Loggers

	results     chan subsystems.SourceResult
	pingCh      chan struct{}
	halt        chan struct{}
	connectOnce sync.Once
	closeOnce   sync.Once

	lock   sync.Mutex
	stream *es.Stream
}

// NewStreamSynchronizer creates the streaming Synchronizer. The connection is not opened until
// the first Next call. The fetcher is used to re-request the full payload when the stream
// delivers a "ping" event; a nil httpClient selects a default client.
func NewStreamSynchronizer(
	requestFactory *RequestFactory,
	httpClient *http.Client,
	fetcher subsystems.FeatureFetcher,
	evalContext ldcontext.Context,
	initialRetryDelay time.Duration,
	loggers ldlog.Loggers,
) subsystems.Synchronizer {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &streamSynchronizer{
		requestFactory:    requestFactory,
		httpClient:        httpClient,
		fetcher:           fetcher,
		evalContext:       evalContext,
		initialRetryDelay: initialRetryDelay,
		loggers:           loggers,
		results:           make(chan subsystems.SourceResult),
		pingCh:            make(chan struct{}, 1),
		halt:              make(chan struct{}),
	}
}

func (s *streamSynchronizer) Next(ctx context.Context) (subsystems.SourceResult, error) {
	s.connectOnce.Do(func() {
		go s.run()
	})
	select {
	case <-ctx.Done():
		return subsystems.SourceResult{}, ctx.Err()
	case <-s.halt:
		return subsystems.SourceResult{}, errStreamSynchronizerClosed
	case result := <-s.results:
		return result, nil
	}
}

func (s *streamSynchronizer) Close() error {
	s.closeOnce.Do(func() {
		close(s.halt)
		s.lock.Lock()
		stream := s.stream
		s.lock.Unlock()
		if stream != nil {
			stream.Close()
		}
	})
	return nil
}

func (s *streamSynchronizer) run() {
	req, err := s.requestFactory.MakeStreamRequest(s.evalContext)
	if err != nil {
		s.pushResult(subsystems.StatusResult(subsystems.SourceStatus{
			Signal: subsystems.SourceTerminalError,
			Err:    interfaces.NewFailure("Unable to build stream request", interfaces.FailureUnknownError, err),
		}))
		return
	}

	errorHandler := func(err error) es.StreamErrorHandlerResult {
		var subscriptionError es.SubscriptionError
		if errors.As(err, &subscriptionError) {
			failure := interfaces.NewInvalidResponseCodeFailure(
				fmt.Sprintf("Unexpected response code %d from stream connection", subscriptionError.Code),
				nil, subscriptionError.Code)
			if !failure.Retryable {
				s.loggers.Errorf("Stream connection rejected with error %d; giving up", subscriptionError.Code)
				s.pushResult(subsystems.StatusResult(subsystems.SourceStatus{
					Signal: subsystems.SourceTerminalError,
					Err:    failure,
				}))
				return es.StreamErrorHandlerResult{CloseNow: true}
			}
			s.loggers.Warnf("Stream connection failed with error %d; will retry", subscriptionError.Code)
			s.pushResult(subsystems.StatusResult(subsystems.SourceStatus{
				Signal: subsystems.SourceInterrupted,
				Err:    failure,
			}))
			return es.StreamErrorHandlerResult{CloseNow: false}
		}

		s.loggers.Warnf("Stream connection failed: %s; will retry", err)
		s.pushResult(subsystems.StatusResult(subsystems.SourceStatus{
			Signal: subsystems.SourceInterrupted,
			Err:    interfaces.NewFailure("Stream connection failed", interfaces.FailureNetworkFailure, err),
		}))
		return es.StreamErrorHandlerResult{CloseNow: false}
	}

	retry := s.initialRetryDelay
	if retry <= 0 {
		retry = defaultStreamRetryDelay
	}

	// Client.Timeout must be zeroed out for stream connections, since it's not just a connect
	// timeout but a timeout for the entire response
	client := *s.httpClient
	client.Timeout = 0

	s.loggers.Infof("Connecting to stream at %s", req.URL)
	stream, err := es.SubscribeWithRequestAndOptions(req,
		es.StreamOptionHTTPClient(&client),
		es.StreamOptionReadTimeout(streamReadTimeout),
		es.StreamOptionInitialRetry(retry),
		es.StreamOptionUseBackoff(streamMaxRetryDelay),
		es.StreamOptionUseJitter(streamJitterRatio),
		es.StreamOptionRetryResetInterval(streamRetryResetInterval),
		es.StreamOptionErrorHandler(errorHandler),
		es.StreamOptionCanRetryFirstConnection(-1),
		es.StreamOptionLogger(s.loggers.ForLevel(ldlog.Info)),
	)
	if err != nil {
		// The error handler already reported whatever went wrong.
		return
	}

	s.lock.Lock()
	s.stream = stream
	s.lock.Unlock()
	select {
	case <-s.halt:
		stream.Close()
		return
	default:
	}

	s.consumeStream(stream)
}

func (s *streamSynchronizer) consumeStream(stream *es.Stream) {
	defer func() {
		for range stream.Events {
		}
		if stream.Errors != nil {
			for range stream.Errors {
			}
		}
	}()

	fetchCtx, cancelFetches := context.WithCancel(context.Background())
	defer cancelFetches()
	go func() {
		<-s.halt
		cancelFetches()
	}()
	go s.servePings(fetchCtx)

	for {
		select {
		case event, ok := <-stream.Events:
			if !ok {
				return
			}
			s.loggers.Debugf("Received %q event from stream", event.Event())
			if result, ok := s.handleEvent(event); ok {
				s.pushResult(result)
			}
		case <-s.halt:
			stream.Close()
			return
		}
	}
}

// servePings runs ping-triggered fetches one at a time, off the event loop so the stream keeps
// being read during a fetch. pingCh holds at most one pending request, so any number of pings
// arriving while a fetch is in flight collapse into a single follow-up fetch.
func (s *streamSynchronizer) servePings(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.halt:
			return
		case <-s.pingCh:
			s.fetchAfterPing(ctx)
		}
	}
}

func (s *streamSynchronizer) fetchAfterPing(ctx context.Context) {
	body, err := s.fetcher.Fetch(ctx, s.evalContext)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.pushResult(subsystems.StatusResult(subsystems.SourceStatus{
			Signal: subsystems.SourceInterrupted,
			Err:    err,
		}))
		return
	}
	data, err := subsystems.ParseEnvironmentData(body)
	if err != nil {
		s.pushResult(subsystems.StatusResult(subsystems.SourceStatus{
			Signal: subsystems.SourceInterrupted,
			Err:    interfaces.NewFailure("Malformed polling response", interfaces.FailureInvalidResponseBody, err),
		}))
		return
	}
	s.pushResult(subsystems.ChangeSetResult(
		subsystems.MakeFullChangeSet(data.All(), subsystems.Selector{}, true)))
}

func (s *streamSynchronizer) handleEvent(event es.Event) (subsystems.SourceResult, bool) {
	switch event.Event() {
	case putEventName:
		data, err := subsystems.ParseEnvironmentData([]byte(event.Data()))
		if err != nil {
			return malformedEventResult(event.Event(), err), true
		}
		return subsystems.ChangeSetResult(
			subsystems.MakeFullChangeSet(data.All(), subsystems.Selector{}, true)), true

	case patchEventName:
		var flag subsystems.Flag
		if err := json.Unmarshal([]byte(event.Data()), &flag); err != nil {
			return malformedEventResult(event.Event(), err), true
		}
		return subsystems.ChangeSetResult(subsystems.MakePartialChangeSet(
			map[string]subsystems.Flag{flag.Key: flag}, subsystems.Selector{}, true)), true

	case deleteEventName:
		var deletion struct {
			Key     string `json:"key"`
			Version int    `json:"version"`
		}
		if err := json.Unmarshal([]byte(event.Data()), &deletion); err != nil {
			return malformedEventResult(event.Event(), err), true
		}
		tombstone := subsystems.DeletedFlagPlaceholder(deletion.Key, deletion.Version)
		return subsystems.ChangeSetResult(subsystems.MakePartialChangeSet(
			map[string]subsystems.Flag{deletion.Key: tombstone}, subsystems.Selector{}, true)), true

	case pingEventName:
		// The service asks the client to re-request the payload instead of pushing it. The
		// fetch happens on the ping goroutine; a ping received while pingCh is already full
		// is redundant and dropped.
		select {
		case s.pingCh <- struct{}{}:
		default:
		}
		return subsystems.SourceResult{}, false

	default:
		s.loggers.Warnf("Received unknown event %q from stream", event.Event())
		return subsystems.StatusResult(subsystems.SourceStatus{
			Signal: subsystems.SourceInterrupted,
			Err: interfaces.NewFailure(
				fmt.Sprintf("Unexpected event %q on stream", event.Event()),
				interfaces.FailureUnexpectedStreamElementType, nil),
		}), true
	}
}

func malformedEventResult(eventName string, err error) subsystems.SourceResult {
	return subsystems.StatusResult(subsystems.SourceStatus{
		Signal: subsystems.SourceInterrupted,
		Err: interfaces.NewFailure(
			fmt.Sprintf("Malformed JSON data in %q event", eventName),
			interfaces.FailureInvalidResponseBody, err),
	})
}

func (s *streamSynchronizer) pushResult(result subsystems.SourceResult) {
	select {
	case s.results <- result:
	case <-s.halt:
	}
}
