package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iTrooz/join-proxy/internal/cache/httpcache"
	"github.com/iTrooz/join-proxy/internal/config"
	"github.com/iTrooz/join-proxy/internal/fingerprint"
	"github.com/iTrooz/join-proxy/internal/telemetry"
)

// hopByHop headers that must not be forwarded between client and origin.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ForwarderOptions configures a Forwarder
type ForwarderOptions struct {
	Transport http.RoundTripper
	// Timeout bounds one origin call, 0 means no limit
	Timeout time.Duration
	// ArtificialDelay is waited before every fetch
	ArtificialDelay time.Duration
	// SuccessStatuses are the status patterns ("200", "2xx") that may be cached
	SuccessStatuses []string
	Metrics         *telemetry.Metrics
}

// Forwarder performs origin calls on behalf of the coordinator
type Forwarder struct {
	client          *http.Client
	delay           time.Duration
	successStatuses []string
	metrics         *telemetry.Metrics
	tracer          trace.Tracer
}

// NewForwarder creates a Forwarder
func NewForwarder(opts ForwarderOptions) *Forwarder {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(nil, nil)
	}
	statuses := opts.SuccessStatuses
	if len(statuses) == 0 {
		statuses = []string{"2xx"}
	}
	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			// redirects are relayed to the client, not followed
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		delay:           opts.ArtificialDelay,
		successStatuses: statuses,
		metrics:         opts.Metrics,
		tracer:          telemetry.Tracer("github.com/iTrooz/join-proxy/internal/proxy"),
	}
}

// Fetch waits the artificial delay, calls the origin once and returns the
// serialized response. Responses outside the success statuses are returned
// as a *FetchError carrying the serialized response.
func (f *Forwarder) Fetch(ctx context.Context, req *fingerprint.Request) ([]byte, error) {
	if f.delay > 0 {
		timer := time.NewTimer(f.delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, &FetchError{Target: req.URL(), Err: ctx.Err()}
		}
	}

	ctx, span := f.tracer.Start(ctx, "upstream.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("server.address", req.Host),
			attribute.String("url.full", req.URL()),
		),
	)
	defer span.End()

	resp, err := f.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream call failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	value, err := httpcache.Serialize(resp)
	if err != nil {
		f.metrics.UpstreamFailed("read")
		span.RecordError(err)
		span.SetStatus(codes.Error, "reading upstream response failed")
		return nil, &FetchError{Target: req.URL(), Err: err}
	}

	if !f.isSuccess(resp.StatusCode) {
		logrus.Debugf("Upstream %s returned %d, not caching", req.URL(), resp.StatusCode)
		f.metrics.UpstreamFailed("status")
		span.SetStatus(codes.Error, "unexpected status")
		return nil, &FetchError{
			Target:     req.URL(),
			StatusCode: resp.StatusCode,
			Response:   value,
			Err:        ErrUnexpectedStatus,
		}
	}

	return value, nil
}

// Do sends req to the origin as declared and returns the raw response.
// Transport failures are returned as a *FetchError.
func (f *Forwarder) Do(ctx context.Context, req *fingerprint.Request) (*http.Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL(), body)
	if err != nil {
		return nil, &FetchError{Target: req.URL(), Err: fmt.Errorf("create request: %w", err)}
	}
	for key, vals := range req.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		outReq.Header[key] = vals
	}
	// The declared host is sent as is, default port included
	outReq.Host = req.Host

	start := time.Now()
	resp, err := f.client.Do(outReq)
	if err != nil {
		f.metrics.UpstreamCall("error", time.Since(start))
		fetchErr := &FetchError{Target: req.URL(), Err: err}
		if fetchErr.Timeout() {
			f.metrics.UpstreamFailed("timeout")
		} else {
			f.metrics.UpstreamFailed("transport")
		}
		logrus.Warnf("Upstream call to %s failed: %v", req.URL(), err)
		return nil, fetchErr
	}
	f.metrics.UpstreamCall(strconv.Itoa(resp.StatusCode), time.Since(start))

	for key := range hopByHopHeaders {
		resp.Header.Del(key)
	}

	logrus.Debugf("Forwarded request: %s %s (host %s) -> %d", req.Method, req.URL(), req.Host, resp.StatusCode)
	return resp, nil
}

func (f *Forwarder) isSuccess(code int) bool {
	for _, pattern := range f.successStatuses {
		if config.MatchesStatusCode(code, pattern) {
			return true
		}
	}
	return false
}
