package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/join-proxy/internal/cache/httpcache"
	"github.com/iTrooz/join-proxy/internal/fingerprint"
)

// echoUpstream answers with the Host header, path, query and body it received
// and counts calls
func echoUpstream(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Call", fmt.Sprint(n))
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = fmt.Fprintf(w, "host: %s\npath: %s\nquery: %s\nbody: %s\n", r.Host, r.URL.Path, r.URL.RawQuery, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func upstreamHost(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func TestForwarderFetch(t *testing.T) {
	upstream, calls := echoUpstream(t)
	f := NewForwarder(ForwarderOptions{})

	value, err := f.Fetch(context.Background(), &fingerprint.Request{
		Method: http.MethodPost,
		Scheme: "http",
		Host:   upstreamHost(t, upstream),
		Path:   "/echo",
		Query:  "x=1",
		Body:   []byte("payload"),
		Header: http.Header{"Connection": {"close"}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())

	resp, err := httpcache.Deserialize(value)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "path: /echo\n")
	assert.Contains(t, string(body), "query: x=1\n")
	assert.Contains(t, string(body), "body: payload\n")
}

func TestForwarderSendsDeclaredHostLiterally(t *testing.T) {
	upstream, _ := echoUpstream(t)
	addr := upstreamHost(t, upstream)
	f := NewForwarder(ForwarderOptions{
		Transport: NewTransport(nil, map[string]string{
			"example.test:80":  addr,
			"example.test:443": addr,
		}),
	})

	for _, declared := range []string{"example.test", "example.test:443"} {
		value, err := f.Fetch(context.Background(), &fingerprint.Request{
			Method: http.MethodGet,
			Scheme: "http",
			Host:   declared,
			Path:   "/headers",
		})
		require.NoError(t, err, declared)

		resp, err := httpcache.Deserialize(value)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "host: "+declared+"\n")
	}
}

func TestForwarderStatusFailure(t *testing.T) {
	upstream, _ := echoUpstream(t)
	f := NewForwarder(ForwarderOptions{SuccessStatuses: []string{"2xx"}})

	_, err := f.Fetch(context.Background(), &fingerprint.Request{
		Method: http.MethodGet,
		Scheme: "http",
		Host:   upstreamHost(t, upstream),
		Path:   "/fail",
	})

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr), "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, fetchErr.StatusCode)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))

	resp, err := httpcache.Deserialize(fetchErr.Response)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestForwarderTransportFailure(t *testing.T) {
	upstream, _ := echoUpstream(t)
	host := upstreamHost(t, upstream)
	upstream.Close()

	f := NewForwarder(ForwarderOptions{Timeout: time.Second})
	_, err := f.Fetch(context.Background(), &fingerprint.Request{
		Method: http.MethodGet,
		Scheme: "http",
		Host:   host,
		Path:   "/",
	})

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr), "got %v", err)
	assert.Zero(t, fetchErr.StatusCode)
	assert.Nil(t, fetchErr.Response)
	assert.Equal(t, http.StatusBadGateway, errorStatus(err))
}

func TestForwarderArtificialDelay(t *testing.T) {
	upstream, calls := echoUpstream(t)
	req := &fingerprint.Request{Method: http.MethodGet, Scheme: "http", Host: upstreamHost(t, upstream), Path: "/"}

	f := NewForwarder(ForwarderOptions{ArtificialDelay: 100 * time.Millisecond})
	start := time.Now()
	_, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// The delay gives way to cancellation and no call is made
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	slow := NewForwarder(ForwarderOptions{ArtificialDelay: time.Minute})
	_, err = slow.Fetch(ctx, req)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.EqualValues(t, 1, calls.Load())
}
