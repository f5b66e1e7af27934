// Package fingerprint derives the identity of a proxied request: the target
// to forward it to and the cache key it is joined on.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/iTrooz/join-proxy/internal/cache"
)

// Headers clients use to declare a target when they cannot speak to a proxy.
// Every header starting with ControlHeaderPrefix is consumed by the proxy and
// never forwarded.
const (
	ControlHeaderPrefix = "X-Joinproxy-"
	HostHeader          = "X-Joinproxy-Host"
	SchemeHeader        = "X-Joinproxy-Scheme"
	FreshnessHeader     = "X-Joinproxy-Freshness" // overrides the freshness window of one read
)

// maxBodySize caps how much of a request body is read for keying and replay.
const maxBodySize = 32 << 20

var (
	ErrNoTarget     = errors.New("request does not declare a target host")
	ErrBadScheme    = errors.New("unsupported target scheme")
	ErrBodyTooLarge = errors.New("request body too large")
)

// Request is everything needed to identify a logical request and replay it
// against the origin.
type Request struct {
	Method string
	Scheme string
	// Host is the declared host[:port], forwarded literally
	Host   string
	Path   string
	Query  string
	Body   []byte
	Header http.Header
}

// URL returns the absolute URL of the target
func (r *Request) URL() string {
	u := r.Scheme + "://" + r.Host + r.Path
	if r.Query != "" {
		u += "?" + r.Query
	}
	return u
}

// Options configures an Extractor
type Options struct {
	// NormalizeDefaultPorts keys "host" and "host:443" (https) or "host:80"
	// (http) identically. Forwarding is unaffected.
	NormalizeDefaultPorts bool
	// Headers lists request headers folded into the key
	Headers []string
}

// Extractor turns incoming requests into Requests and keys
type Extractor struct {
	normalizePorts bool
	headers        []string
}

// New creates an Extractor
func New(opts Options) *Extractor {
	headers := make([]string, 0, len(opts.Headers))
	for _, h := range opts.Headers {
		headers = append(headers, http.CanonicalHeaderKey(h))
	}
	sort.Strings(headers)
	return &Extractor{
		normalizePorts: opts.NormalizeDefaultPorts,
		headers:        headers,
	}
}

// Extract reads the identity of r. Absolute-URI requests (forward proxy
// mode) target their own Host; origin-form requests must declare the target
// with HostHeader. The body is read and restored on r.
func (e *Extractor) Extract(r *http.Request) (*Request, error) {
	req := &Request{
		Method: r.Method,
		Path:   r.URL.EscapedPath(),
		Query:  r.URL.RawQuery,
	}
	if req.Path == "" {
		req.Path = "/"
	}

	if r.URL.IsAbs() {
		req.Scheme = r.URL.Scheme
		req.Host = r.Host
		if req.Host == "" {
			req.Host = r.URL.Host
		}
	} else {
		req.Host = r.Header.Get(HostHeader)
		req.Scheme = strings.ToLower(r.Header.Get(SchemeHeader))
		if req.Scheme == "" {
			req.Scheme = "https"
		}
	}
	if req.Host == "" {
		return nil, ErrNoTarget
	}
	if req.Scheme != "http" && req.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrBadScheme, req.Scheme)
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		if len(body) > maxBodySize {
			return nil, ErrBodyTooLarge
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if len(body) > 0 {
			req.Body = body
		}
	}

	req.Header = r.Header.Clone()
	for name := range req.Header {
		if strings.HasPrefix(name, ControlHeaderPrefix) {
			delete(req.Header, name)
		}
	}

	return req, nil
}

// Key returns the cache key of req. Fields are length-prefixed so that no two
// different requests share an encoding.
func (e *Extractor) Key(req *Request) cache.Key {
	h := sha256.New()
	write := func(s []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write(s)
	}

	write([]byte(req.Method))
	write([]byte(req.Scheme))
	write([]byte(e.keyHost(req.Scheme, req.Host)))
	write([]byte(req.Path))
	write([]byte(req.Query))
	write(req.Body)
	for _, name := range e.headers {
		write([]byte(name))
		write([]byte(strings.Join(req.Header.Values(name), ",")))
	}

	return cache.Key(h.Sum(nil))
}

func (e *Extractor) keyHost(scheme, host string) string {
	if !e.normalizePorts {
		return host
	}
	host = strings.ToLower(host)
	switch scheme {
	case "https":
		return strings.TrimSuffix(host, ":443")
	case "http":
		return strings.TrimSuffix(host, ":80")
	}
	return host
}
