package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
	"github.com/sirupsen/logrus"
)

// NewTransport returns the transport used for every origin call. Dial
// addresses found in overrides are replaced before dialing, which lets a
// declared host such as "example.test:443" reach a local origin while the
// Host header stays as declared. Hostnames are resolved through resolver when
// it is not nil.
func NewTransport(resolver *dnscache.Resolver, overrides map[string]string) *http.Transport {
	t := &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
		// bodies are cached and relayed as sent by the origin
		DisableCompression: true,
	}

	var d net.Dialer
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if target, ok := overrides[addr]; ok {
			logrus.Debugf("Dialing %s instead of %s", target, addr)
			addr = target
		}
		if resolver == nil {
			return d.DialContext(ctx, network, addr)
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		if net.ParseIP(host) != nil {
			return d.DialContext(ctx, network, addr)
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	return t
}

// RefreshDNS periodically refreshes resolver until ctx is done. Entries not
// used since the previous refresh are dropped.
func RefreshDNS(ctx context.Context, resolver *dnscache.Resolver, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			resolver.Refresh(true)
			logrus.Debugf("Refreshed DNS cache")
		}
	}
}
