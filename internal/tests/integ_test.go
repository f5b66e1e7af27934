package tests

import (
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iTrooz/join-proxy/internal/config"
	"github.com/iTrooz/join-proxy/internal/proxy"
)

func upstreamHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Host
}

func TestProxyIntegration(t *testing.T) {
	var calls atomic.Int32
	upstream := fixture_upstream(&calls)
	defer upstream.Close()

	tempDir := t.TempDir()
	cfg := fixture_config(tempDir, nil)
	cfg.Cache.Backend = "disk"

	_, proxyTestServer, client, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()

	t.Run("first request - miss", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/test")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Miss", resp.Header.Get(proxy.ResponseHeader))
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "path: /test\n")
	})

	t.Run("second request - hit", func(t *testing.T) {
		resp, err := client.Get(upstream.URL + "/test")
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Hit", resp.Header.Get(proxy.ResponseHeader))
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "call: 1\n")
	})

	t.Run("verify cache file exists", func(t *testing.T) {
		files, err := filepath.Glob(filepath.Join(tempDir, "*", "*.bin"))
		require.NoError(t, err)
		assert.Len(t, files, 1)
	})

	assert.EqualValues(t, 1, calls.Load())
}

func TestIdempotence(t *testing.T) {
	var calls atomic.Int32
	upstream := fixture_upstream(&calls)
	defer upstream.Close()

	_, proxyTestServer, _, err := fixture_proxy(fixture_config(t.TempDir(), nil))
	require.NoError(t, err)
	defer proxyTestServer.Close()
	host := upstreamHost(t, upstream.URL)

	first, err := gateway_request(proxyTestServer.URL, host, http.MethodPost, "/same", "x", "y")
	require.NoError(t, err)
	assert.Equal(t, "Miss", first.outcome)

	for range 4 {
		res, err := gateway_request(proxyTestServer.URL, host, http.MethodPost, "/same", "x", "y")
		require.NoError(t, err)
		assert.Equal(t, "Hit", res.outcome)
		assert.Equal(t, first.body, res.body)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestSingleFlightWithArtificialDelay(t *testing.T) {
	var calls atomic.Int32
	upstream := fixture_upstream(&calls)
	defer upstream.Close()

	cfg := fixture_config(t.TempDir(), nil)
	cfg.Upstream.ArtificialDelay = "500ms"
	_, proxyTestServer, _, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()
	host := upstreamHost(t, upstream.URL)

	const n = 3
	results := make([]gatewayResult, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := gateway_request(proxyTestServer.URL, host, http.MethodPost, "/same", "x", "y")
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	outcomes := map[string]int{}
	for _, res := range results {
		outcomes[res.outcome]++
		assert.Equal(t, results[0].body, res.body)
	}
	assert.Equal(t, map[string]int{"Miss": 1, "Hit": 2}, outcomes)
	assert.EqualValues(t, 1, calls.Load())
}

func TestKeyDiscriminationSequence(t *testing.T) {
	var calls atomic.Int32
	upstream := fixture_upstream(&calls)
	defer upstream.Close()

	_, proxyTestServer, _, err := fixture_proxy(fixture_config(t.TempDir(), nil))
	require.NoError(t, err)
	defer proxyTestServer.Close()
	host := upstreamHost(t, upstream.URL)

	steps := []struct{ path, arg, body string }{
		{"/a", "b", "c"},
		{"/ax", "b", "c"},
		{"/ax", "bx", "c"},
		{"/ax", "bx", "cx"},
	}
	for _, s := range steps {
		res, err := gateway_request(proxyTestServer.URL, host, http.MethodPost, s.path, s.arg, s.body)
		require.NoError(t, err)
		assert.Equal(t, "Miss", res.outcome, "%+v", s)
		assert.Contains(t, res.body, "path: "+s.path+"\n")
		assert.Contains(t, res.body, "arg: "+s.arg+"\n")
		assert.Contains(t, res.body, "body: "+s.body+"\n")
	}
	assert.EqualValues(t, len(steps), calls.Load())
}

func TestHostLiteralForwarding(t *testing.T) {
	var calls atomic.Int32
	upstream := fixture_upstream(&calls)
	defer upstream.Close()
	addr := upstreamHost(t, upstream.URL)

	cfg := fixture_config(t.TempDir(), nil)
	cfg.Upstream.DialOverrides = map[string]string{
		"example.test:80":  addr,
		"example.test:443": addr,
	}
	_, proxyTestServer, _, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()

	plain, err := gateway_request(proxyTestServer.URL, "example.test", http.MethodGet, "/headers", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, plain.status)
	assert.Contains(t, plain.body, "host: example.test\n")

	withPort, err := gateway_request(proxyTestServer.URL, "example.test:443", http.MethodGet, "/headers", "", "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, withPort.status)
	assert.Contains(t, withPort.body, "host: example.test:443\n")
	assert.Equal(t, "Miss", withPort.outcome, "host forms are keyed apart unless normalization is enabled")
}

func TestFreshnessExpiry(t *testing.T) {
	var calls atomic.Int32
	upstream := fixture_upstream(&calls)
	defer upstream.Close()

	cfg := fixture_config(t.TempDir(), nil)
	cfg.Cache.Freshness = "200ms"
	_, proxyTestServer, _, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()
	host := upstreamHost(t, upstream.URL)

	outcome := func() string {
		res, err := gateway_request(proxyTestServer.URL, host, http.MethodGet, "/fresh", "", "")
		require.NoError(t, err)
		return res.outcome
	}

	assert.Equal(t, "Miss", outcome())
	assert.Equal(t, "Hit", outcome())
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "Miss", outcome())
	assert.EqualValues(t, 2, calls.Load())
}

func TestProxyIntegrationWithCustomRules(t *testing.T) {
	var calls atomic.Int32
	upstream := fixture_upstream(&calls)
	defer upstream.Close()

	// Only the /cached prefix is joined and cached
	customRules := &config.RulesConfig{
		Mode: "whitelist",
		Rules: []config.CacheRule{
			{
				BaseURI: upstream.URL + "/cached",
				Methods: []string{"GET"},
			},
		},
	}
	_, proxyTestServer, client, err := fixture_proxy(fixture_config(t.TempDir(), customRules))
	require.NoError(t, err)
	defer proxyTestServer.Close()

	get := func(path string) string {
		resp, err := client.Get(upstream.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(resp.Body)
		assert.True(t, strings.HasPrefix(string(body), "host: "))
		return resp.Header.Get(proxy.ResponseHeader)
	}

	assert.Equal(t, "Miss", get("/cached/a"))
	assert.Equal(t, "Hit", get("/cached/a"))
	assert.Equal(t, "Miss", get("/other"))
	assert.Equal(t, "Miss", get("/other"))
	assert.EqualValues(t, 3, calls.Load())
}
