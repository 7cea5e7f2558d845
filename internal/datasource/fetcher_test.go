package datasource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
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

const testFlagPayload = `{"flag1":{"key":"flag1","value":true,"version":1}}`

func makeFetcherForServer(server *httptest.Server, modify func(*config.Config)) subsystems.FeatureFetcher {
	c := config.Config{MobileKey: "mob-key"}
	c.PollURI, _ = ct.NewOptURLAbsoluteFromString(server.URL)
	if modify != nil {
		modify(&c)
	}
	return NewFeatureFetcher(nil, NewRequestFactory(c), ldlog.NewDisabledLoggers())
}

func TestFetcherReturnsResponseBody(t *testing.T) {
	handler, requestsCh := httphelpers.RecordingHandler(
		httphelpers.HandlerWithResponse(200, nil, []byte(testFlagPayload)))
	httphelpers.WithServer(handler, func(server *httptest.Server) {
		fetcher := makeFetcherForServer(server, nil)
		defer fetcher.Close()

		body, err := fetcher.Fetch(context.Background(), ldcontext.New("user-key"))
		require.NoError(t, err)
		assert.JSONEq(t, testFlagPayload, string(body))

		request := <-requestsCh
		assert.Equal(t, "mob-key", request.Request.Header.Get("Authorization"))
	})
}

func TestFetcherClassifiesErrorResponses(t *testing.T) {
	httphelpers.WithServer(httphelpers.HandlerWithStatus(404), func(server *httptest.Server) {
		fetcher := makeFetcherForServer(server, nil)
		defer fetcher.Close()

		_, err := fetcher.Fetch(context.Background(), ldcontext.New("user-key"))
		var failure *interfaces.InvalidResponseCodeFailure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, 404, failure.Code)
		assert.False(t, failure.Retryable)
	})

	httphelpers.WithServer(httphelpers.HandlerWithStatus(503), func(server *httptest.Server) {
		fetcher := makeFetcherForServer(server, nil)
		defer fetcher.Close()

		_, err := fetcher.Fetch(context.Background(), ldcontext.New("user-key"))
		var failure *interfaces.InvalidResponseCodeFailure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, 503, failure.Code)
		assert.True(t, failure.Retryable)
	})
}

func TestFetcherReportsNetworkFailures(t *testing.T) {
	server := httptest.NewServer(httphelpers.HandlerWithStatus(200))
	server.Close() // nothing is listening any more

	fetcher := makeFetcherForServer(server, nil)
	defer fetcher.Close()

	_, err := fetcher.Fetch(context.Background(), ldcontext.New("user-key"))
	var failure *interfaces.LDFailure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, interfaces.FailureNetworkFailure, failure.Type)
}

func TestFetcherHonorsContextCancellation(t *testing.T) {
	slowHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	})
	httphelpers.WithServer(slowHandler, func(server *httptest.Server) {
		fetcher := makeFetcherForServer(server, nil)
		defer fetcher.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := fetcher.Fetch(ctx, ldcontext.New("user-key"))
		assert.Error(t, err)
	})
}
