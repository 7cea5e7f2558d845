package datasource

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"

	"github.com/launchdarkly/go-client-sdk/config"
	"github.com/launchdarkly/go-client-sdk/internal/version"
)

const (
	streamingGetPath    = "/meval/"
	streamingReportPath = "/meval"
	pollingGetPath      = "/msdk/evalx/contexts/"
	pollingReportPath   = "/msdk/evalx/context"

	withReasonsQuery = "?withReasons=true"
)

// RequestFactory builds the HTTP requests for the streaming and polling endpoints. The
// evaluation context rides in the URL path (base64url-encoded) for GET requests, or in the
// request body when the REPORT method is configured.
type RequestFactory struct {
	mobileKey   config.MobileKey
	streamURI   string
	pollURI     string
	useReport   bool
	withReasons bool
}

// NewRequestFactory creates a RequestFactory from the configuration.
func NewRequestFactory(c config.Config) *RequestFactory {
	return &RequestFactory{
		mobileKey:   c.MobileKey,
		streamURI:   c.GetStreamURI(),
		pollURI:     c.GetPollURI(),
		useReport:   c.UseReport,
		withReasons: c.EvaluationReasons,
	}
}

// MakeStreamRequest builds the request that opens the streaming connection for a context.
func (f *RequestFactory) MakeStreamRequest(evalContext ldcontext.Context) (*http.Request, error) {
	return f.makeRequest(evalContext, f.streamURI, streamingGetPath, streamingReportPath)
}

// MakePollRequest builds the request for a single poll of the flag payload for a context.
func (f *RequestFactory) MakePollRequest(evalContext ldcontext.Context) (*http.Request, error) {
	return f.makeRequest(evalContext, f.pollURI, pollingGetPath, pollingReportPath)
}

func (f *RequestFactory) makeRequest(
	evalContext ldcontext.Context,
	baseURI, getPath, reportPath string,
) (*http.Request, error) {
	contextJSON, err := json.Marshal(evalContext)
	if err != nil {
		return nil, err
	}

	var req *http.Request
	if f.useReport {
		req, err = http.NewRequest("REPORT", baseURI+reportPath+f.query(), bytes.NewReader(contextJSON))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(contextJSON)), nil
		}
	} else {
		encoded := base64.URLEncoding.EncodeToString(contextJSON)
		req, err = http.NewRequest("GET", baseURI+getPath+encoded+f.query(), nil)
		if err != nil {
			return nil, err
		}
	}
	req.Header.Set("Authorization", f.mobileKey.GetAuthorizationHeaderValue())
	req.Header.Set("User-Agent", "GoClientSDK/"+version.Version)
	return req, nil
}

func (f *RequestFactory) query() string {
	if f.withReasons {
		return withReasonsQuery
	}
	return ""
}
