package shellcache

import (
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/fetch"
	"github.com/always-cache/shellcache/pkg/allowlist"
	cachekey "github.com/always-cache/shellcache/pkg/cache-key"

	"github.com/rs/zerolog"
)

type Config struct {
	// Version tag. It is also the name of the cache store this worker writes to.
	Version string
	// Storage for cache stores. Shared by all versions.
	Storage cache.Storage
	// URL of the origin serving the app.
	// Origin-relative requests and manifest paths are resolved against it.
	OriginURL url.URL
	// Hostname to use for HTTP requests to the origin.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Paths cached as a group on install.
	Manifest []string
	// URLs whose successful responses may be cached on a miss.
	// DefaultAllowList() is used if nil.
	AllowList allowlist.Rules
	// Network access. An HTTPFetcher for the origin is used if nil.
	Fetcher fetch.Fetcher
	// Transport for the default fetcher. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *Metrics
}

// State is the lifecycle state of a worker.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	ErrInvalidState = errors.New("invalid worker state")
	ErrNotInstalled = errors.New("no installed cache")
)

// Worker serves requests for one version of the app shell.
type Worker struct {
	version  string
	origin   url.URL
	manifest []string
	allow    allowlist.Rules
	storage  cache.Storage
	fetcher  fetch.Fetcher
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger
	metrics  *Metrics

	mutex *sync.Mutex
	state State
	store cache.Store
	// background cache writes
	pending sync.WaitGroup
}

// CreateWorker sets up a worker for the version in config.
// The worker must be installed and activated before it serves requests.
func CreateWorker(config Config) *Worker {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("version", config.Version).
		Logger()

	fetcher := config.Fetcher
	if fetcher == nil {
		client := &http.Client{
			Transport: fetch.OriginTransport(config.Transport, config.OriginURL.Host, config.OriginHost),
		}
		fetcher = fetch.NewHTTPFetcher(config.OriginURL, config.OriginHost, client)
	}

	allow := config.AllowList
	if allow == nil {
		allow = DefaultAllowList()
	}

	return &Worker{
		version:  config.Version,
		origin:   config.OriginURL,
		manifest: append([]string(nil), config.Manifest...),
		allow:    allow,
		storage:  config.Storage,
		fetcher:  fetcher,
		keyer:    cachekey.NewCacheKeyer(config.OriginURL),
		log:      logger,
		metrics:  config.Metrics,
		mutex:    &sync.Mutex{},
		state:    StateParsed,
	}
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

// transition moves the worker to state to if it is currently in from.
func (w *Worker) transition(from, to State) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.state != from {
		return ErrInvalidState
	}
	w.log.Trace().Msgf("State %s -> %s", from, to)
	w.state = to
	return nil
}

func (w *Worker) setState(state State) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.log.Trace().Msgf("State %s -> %s", w.state, state)
	w.state = state
}

func (w *Worker) cacheStore() cache.Store {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.store
}

// Wait blocks until all background cache writes have finished.
func (w *Worker) Wait() {
	w.pending.Wait()
}
