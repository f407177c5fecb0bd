package shellcache

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/always-cache/shellcache/fetch"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"
	tee "github.com/always-cache/shellcache/pkg/response-writer-tee"
	"github.com/always-cache/shellcache/rfc9211"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ContainerConfig struct {
	// URL of the origin server. Declined requests are forwarded here.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	OriginHost string
	// Transport for forwarded requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *Metrics
}

// Container owns the active worker and routes every request through it.
// Registering a new worker installs and activates it, then claims all clients:
// requests from already-open pages go to the new worker right away.
type Container struct {
	active       atomic.Pointer[Worker]
	registerLock sync.Mutex
	reverseproxy httputil.ReverseProxy
	log          zerolog.Logger
	metrics      *Metrics
}

func NewContainer(config ContainerConfig) *Container {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	c := &Container{
		log:     logger,
		metrics: config.Metrics,
	}

	host := config.OriginURL.Host
	hostHeader := host
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
	}
	transport := fetch.OriginTransport(config.Transport, host, config.OriginHost)

	c.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			c.log.Error().Err(err).Str("url", r.URL.String()).Msg("Forwarding failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	return c
}

// Register installs and activates w, then makes it the controller for all clients.
// A complete store from an earlier install of the same version is reused instead
// of fetching the manifest again.
// If install fails, the current worker stays in control.
func (c *Container) Register(ctx context.Context, w *Worker) error {
	c.registerLock.Lock()
	defer c.registerLock.Unlock()
	resumed, err := w.Resume(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		if err := w.Install(ctx); err != nil {
			return err
		}
	}
	return c.activate(ctx, w)
}

// Restore activates w from its stored cache only. It fails with ErrNotInstalled
// if no complete store exists for w's version.
func (c *Container) Restore(ctx context.Context, w *Worker) error {
	c.registerLock.Lock()
	defer c.registerLock.Unlock()
	resumed, err := w.Resume(ctx)
	if err != nil {
		return err
	}
	if !resumed {
		return fmt.Errorf("restore %s: %w", w.Version(), ErrNotInstalled)
	}
	return c.activate(ctx, w)
}

func (c *Container) activate(ctx context.Context, w *Worker) error {
	if err := w.Activate(ctx); err != nil {
		return err
	}
	c.Claim(w)
	return nil
}

// Claim makes w the controller of every client, without waiting for a reload.
// The replaced worker becomes redundant.
func (c *Container) Claim(w *Worker) {
	old := c.active.Swap(w)
	if old != nil && old != w {
		old.retire()
	}
	c.log.Info().Str("version", w.Version()).Msg("Claimed clients")
}

// Controller returns the active worker, or nil if none was registered.
func (c *Container) Controller() *Worker {
	return c.active.Load()
}

// ServeHTTP implements the http.Handler interface.
func (c *Container) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := tee.NewResponseRecorder(w)
	reqID := uuid.NewString()
	rec.Header().Set("X-Request-ID", reqID)
	cs := c.serve(rec, r)
	c.logRequest(r, reqID, rec, cs)
}

func (c *Container) serve(w http.ResponseWriter, r *http.Request) rfc9211.CacheStatus {
	worker := c.Controller()
	if worker == nil {
		cs := rfc9211.CacheStatus{}
		cs.Forward(rfc9211.FwdReasonBypass)
		c.passthrough(w, r, cs)
		return cs
	}

	res, cs, handled, err := worker.intercept(r.Context(), r)
	if !handled {
		c.passthrough(w, r, cs)
		return cs
	}
	if err != nil {
		w.Header().Set("Cache-Status", cs.String())
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return cs
	}
	c.sendResponse(w, res, cs)
	return cs
}

func (c *Container) passthrough(w http.ResponseWriter, r *http.Request, cs rfc9211.CacheStatus) {
	c.log.Trace().Msgf("proxying %s %s", r.Method, r.URL.String())
	c.metrics.RecordRequest("passthrough")
	w.Header().Set("Cache-Status", cs.String())
	c.reverseproxy.ServeHTTP(w, r)
}

func (c *Container) sendResponse(w http.ResponseWriter, res *fetch.Response, cs rfc9211.CacheStatus) {
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if _, err := w.Write(res.Body); err != nil {
		c.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// StatusReport describes the active worker and the cache storage.
type StatusReport struct {
	Version string   `json:"version"`
	State   State    `json:"state"`
	Caches  []string `json:"caches"`
	Entries []string `json:"entries"`
}

// Status reports on the active worker. It returns an empty report if there is none.
func (c *Container) Status(ctx context.Context) (StatusReport, error) {
	report := StatusReport{Caches: []string{}, Entries: []string{}}
	worker := c.Controller()
	if worker == nil {
		return report, nil
	}
	report.Version = worker.Version()
	report.State = worker.State()
	names, err := worker.storage.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list caches: %w", err)
	}
	report.Caches = names
	store := worker.cacheStore()
	if store == nil {
		return report, nil
	}
	keys, err := store.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list entries: %w", err)
	}
	keyer := cachekey.NewCacheKeyer(worker.origin)
	for _, key := range keys {
		req, err := keyer.GetRequestFromKey(key)
		if err != nil {
			c.log.Warn().Err(err).Msg("Skipping malformed key")
			continue
		}
		report.Entries = append(report.Entries, req.URL.String())
	}
	return report, nil
}

func (c *Container) logRequest(r *http.Request, reqID string, rec *tee.ResponseRecorder, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	c.log.Debug().
		Str("id", reqID).
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", rec.StatusCode()).
		Int64("bytes", rec.BytesWritten()).
		Dur("duration", time.Since(rec.CreatedAt)).
		Str("cache", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

// createDirector points origin-relative requests at the origin.
// Absolute-form requests keep their own host.
func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		if req.URL.IsAbs() {
			req.Host = req.URL.Host
			return
		}
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// connection-specific, the server sets its own
		if k == "Connection" || k == "Keep-Alive" || k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
