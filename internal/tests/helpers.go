package tests

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/iTrooz/join-proxy/internal/cache"
	"github.com/iTrooz/join-proxy/internal/config"
	"github.com/iTrooz/join-proxy/internal/fingerprint"
	"github.com/iTrooz/join-proxy/internal/join"
	"github.com/iTrooz/join-proxy/internal/proxy"
)

// fixture_upstream creates a test upstream server echoing what it received.
// calls counts the requests it served.
func fixture_upstream(calls *atomic.Int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(requ.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "host: %s\npath: %s\narg: %s\nbody: %s\ncall: %d\n",
			requ.Host, requ.URL.Path, requ.URL.RawQuery, body, n)
	}))
}

// fixture_config creates a test config with optional rules
func fixture_config(tempDir string, rules *config.RulesConfig) *config.Config {
	cfg := config.Default()
	cfg.Server.Port = 0 // Will be set by test server
	cfg.Cache.Folder = tempDir
	cfg.Telemetry.Metrics.Enabled = false

	if rules != nil {
		cfg.Rules = *rules
	}

	return cfg
}

// fixture_proxy creates a proxy server with the given config and returns the server, test server, and HTTP client
func fixture_proxy(cfg *config.Config) (*proxy.Server, *httptest.Server, *http.Client, error) {
	retention, err := cfg.GetRetention()
	if err != nil {
		return nil, nil, nil, err
	}
	var store cache.Store = cache.NewMemory(cache.WithRetention(retention))
	if cfg.Cache.Backend == "disk" {
		store = cache.NewDisk(cfg.Cache.Folder)
	}
	if err := store.Init(); err != nil {
		return nil, nil, nil, err
	}

	followerTimeout, err := cfg.GetFollowerTimeout()
	if err != nil {
		return nil, nil, nil, err
	}
	coordinator := join.New(store, join.Options{
		FollowerTimeout: followerTimeout,
		MaxAttempts:     cfg.Join.MaxAttempts,
	})

	proxyServer, err := proxy.New(cfg, proxy.Deps{Coordinator: coordinator})
	if err != nil {
		return nil, nil, nil, err
	}

	// Create test proxy HTTP server using goproxy
	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())

	// Create HTTP client that uses our proxy
	proxyURL, _ := url.Parse(proxyTestServer.URL)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, proxyTestServer, client, nil
}

// gatewayResult is what a client saw for one gateway request
type gatewayResult struct {
	status  int
	outcome string
	body    string
}

// gateway_request sends one gateway-mode request declaring host as its target
func gateway_request(proxyURL, host, method, path, arg, body string) (gatewayResult, error) {
	target := proxyURL + path
	if arg != "" {
		target += "?" + arg
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	requ, err := http.NewRequest(method, target, reader)
	if err != nil {
		return gatewayResult{}, err
	}
	requ.Header.Set(fingerprint.HostHeader, host)
	requ.Header.Set(fingerprint.SchemeHeader, "http")

	resp, err := http.DefaultClient.Do(requ)
	if err != nil {
		return gatewayResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return gatewayResult{}, err
	}
	return gatewayResult{
		status:  resp.StatusCode,
		outcome: resp.Header.Get(proxy.ResponseHeader),
		body:    string(b),
	}, nil
}
