// Package proxy serves the join proxy: forward-proxy and gateway ingress,
// origin forwarding and response tagging.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/sirupsen/logrus"

	"github.com/iTrooz/join-proxy/internal/cache"
	"github.com/iTrooz/join-proxy/internal/cache/httpcache"
	"github.com/iTrooz/join-proxy/internal/config"
	"github.com/iTrooz/join-proxy/internal/fingerprint"
	"github.com/iTrooz/join-proxy/internal/join"
	"github.com/iTrooz/join-proxy/internal/telemetry"
)

const (
	modeProxy   = "proxy"
	modeGateway = "gateway"
)

var errBadFreshness = errors.New("invalid freshness override")

// ReadyChecker reports whether the proxy is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds the collaborators of a Server. Every field is optional.
type Deps struct {
	// Coordinator defaults to one over an in-memory store
	Coordinator *join.Coordinator
	// Transport is used for every origin call and for CONNECT tunnels
	Transport      *http.Transport
	Metrics        *telemetry.Metrics
	MetricsHandler http.Handler
	ReadyCheck     ReadyChecker
}

// Server represents the join proxy server
type Server struct {
	config       *config.Config
	deps         Deps
	proxy        *goproxy.ProxyHttpServer
	extractor    *fingerprint.Extractor
	coordinator  *join.Coordinator
	forwarder    *Forwarder
	rules        *Rules
	metrics      *telemetry.Metrics
	freshness    time.Duration
	maxFreshness time.Duration
}

// New creates a new proxy server
func New(cfg *config.Config, deps Deps) (*Server, error) {
	freshness, err := cfg.GetFreshness()
	if err != nil {
		return nil, err
	}
	maxFreshness, err := cfg.GetMaxFreshness()
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.GetUpstreamTimeout()
	if err != nil {
		return nil, err
	}
	delay, err := cfg.GetArtificialDelay()
	if err != nil {
		return nil, err
	}

	coordinator := deps.Coordinator
	if coordinator == nil {
		followerTimeout, err := cfg.GetFollowerTimeout()
		if err != nil {
			return nil, err
		}
		retention, err := cfg.GetRetention()
		if err != nil {
			return nil, err
		}
		coordinator = join.New(cache.NewMemory(cache.WithRetention(retention)), join.Options{
			FollowerTimeout: followerTimeout,
			MaxAttempts:     cfg.Join.MaxAttempts,
			Observer:        &telemetry.CoordinatorObserver{Metrics: deps.Metrics},
		})
	}

	transport := deps.Transport
	if transport == nil {
		transport = NewTransport(nil, cfg.Upstream.DialOverrides)
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		extractor: fingerprint.New(fingerprint.Options{
			NormalizeDefaultPorts: cfg.Fingerprint.NormalizeDefaultPorts,
			Headers:               cfg.Fingerprint.Headers,
		}),
		coordinator: coordinator,
		forwarder: NewForwarder(ForwarderOptions{
			Transport:       transport,
			Timeout:         timeout,
			ArtificialDelay: delay,
			SuccessStatuses: cfg.Upstream.SuccessStatuses,
			Metrics:         deps.Metrics,
		}),
		rules:        NewRules(cfg.Rules),
		metrics:      deps.Metrics,
		freshness:    freshness,
		maxFreshness: maxFreshness,
	}

	s.proxy = goproxy.NewProxyHttpServer()
	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.Tr = transport
	s.proxy.NonproxyHandler = s.router()

	s.proxy.OnRequest().DoFunc(s.handleProxyRequest)
	s.proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if resp != nil && resp.Header.Get(ResponseHeader) == "" {
			Tag(resp, join.Miss)
		}
		return resp
	})

	return s, nil
}

// GetProxy returns the proxy handler serving both ingress modes
func (s *Server) GetProxy() *goproxy.ProxyHttpServer {
	return s.proxy
}

// handleProxyRequest answers absolute-URI requests; goproxy never forwards
// them itself.
func (s *Server) handleProxyRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	defer s.metrics.RequestStarted()()

	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = newRequestID()
	}
	r = r.WithContext(ContextWithRequestID(r.Context(), id))

	resp := s.serve(r, modeProxy)
	resp.Header.Set(requestIDHeader, id)
	return r, resp
}

// handleGateway answers origin-form requests declaring their target with
// fingerprint.HostHeader.
func (s *Server) handleGateway(w http.ResponseWriter, r *http.Request) {
	defer s.metrics.RequestStarted()()
	writeResponse(w, s.serve(r, modeGateway))
}

// serve resolves r into a tagged response. It never returns nil.
func (s *Server) serve(r *http.Request, mode string) *http.Response {
	req, err := s.extractor.Extract(r)
	if err != nil {
		return s.errorResponse(r, mode, err)
	}

	log := logrus.WithFields(logrus.Fields{
		"request_id": RequestIDFromContext(r.Context()),
		"mode":       mode,
		"host":       req.Host,
	})

	if !s.rules.ShouldJoin(req) {
		resp, err := s.forwarder.Do(r.Context(), req)
		if err != nil {
			return s.errorResponse(r, mode, err)
		}
		Tag(resp, join.Miss)
		s.metrics.RequestServed(mode, "bypass")
		log.Infof("Forwarded request without joining: %s %s -> %d", req.Method, req.URL(), resp.StatusCode)
		return resp
	}

	freshness, err := s.freshnessFor(r)
	if err != nil {
		return s.errorResponse(r, mode, err)
	}

	key := s.extractor.Key(req)
	value, outcome, err := s.coordinator.Resolve(r.Context(), key, freshness, func(ctx context.Context, _ cache.Key) ([]byte, error) {
		return s.forwarder.Fetch(ctx, req)
	})
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) && fetchErr.Response != nil {
			resp, derr := httpcache.Deserialize(fetchErr.Response)
			if derr == nil {
				resp.Request = r
				Tag(resp, join.Miss)
				s.metrics.RequestServed(mode, join.Miss.String())
				log.Infof("Relayed upstream failure: %s %s -> %d", req.Method, req.URL(), resp.StatusCode)
				return resp
			}
			logrus.Errorf("Failed to decode upstream response for %s: %v", req.URL(), derr)
		}
		return s.errorResponse(r, mode, err)
	}

	resp, err := httpcache.Deserialize(value)
	if err != nil {
		return s.errorResponse(r, mode, fmt.Errorf("failed to decode cached response: %w", err))
	}
	resp.Request = r
	Tag(resp, outcome)
	s.metrics.RequestServed(mode, outcome.String())
	log.WithField("outcome", outcome.String()).Infof("Served %s %s", req.Method, req.URL())
	return resp
}

// freshnessFor returns the freshness window requested by r, capped at the
// configured maximum
func (s *Server) freshnessFor(r *http.Request) (time.Duration, error) {
	raw := r.Header.Get(fingerprint.FreshnessHeader)
	if raw == "" {
		return s.freshness, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %q", errBadFreshness, raw)
	}
	if s.maxFreshness > 0 && d > s.maxFreshness {
		d = s.maxFreshness
	}
	return d, nil
}

func (s *Server) errorResponse(r *http.Request, mode string, err error) *http.Response {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logrus.Errorf("Request %s %s failed: %v", r.Method, r.URL, err)
	} else {
		logrus.Debugf("Rejected request %s %s: %v", r.Method, r.URL, err)
	}
	resp := goproxy.NewResponse(r, goproxy.ContentTypeText, status, err.Error()+"\n")
	Tag(resp, join.Miss)
	s.metrics.RequestServed(mode, "error")
	return resp
}

// writeResponse copies resp to w and closes its body
func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		w.Header()[key] = vals
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logrus.Errorf("Failed to write response body: %v", err)
	}
}
