package offlinecache

import (
	"context"
	"crypto/tls"
	"io"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tasteknowledge/offline-cache/cache"
	cachekey "github.com/tasteknowledge/offline-cache/pkg/cache-key"
	serializer "github.com/tasteknowledge/offline-cache/pkg/response-serializer"
	tee "github.com/tasteknowledge/offline-cache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
)

type Config struct {
	// Storage for the shell and data stores.
	Storage cache.Storage
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Meter for request and lifecycle metrics. The global meter provider is used if nil.
	Meter metric.Meter

	// Name of the store holding the application shell, e.g. `tk-cache-v1`.
	ShellStore string
	// Name of the store holding API responses, e.g. `tk-data-v1`.
	DataStore string
	// URLs written to the shell store at install.
	ShellManifest []string
	// Path prefixes that are always fetched from the network and never stored.
	ExclusionPrefixes []string
	// Path of the page returned when neither the shell store nor the network can answer.
	OfflineFallbackPath string

	// Upper bound for every request to the origin, including forwarded ones. Zero means no timeout.
	FetchTimeout time.Duration
	// Stay in the installed state after install until a SKIP_WAITING message arrives.
	WaitForSkip bool
}

// Manager is the offline cache manager.
// It routes every request it serves to a caching policy, based on the request path.
type Manager struct {
	storage      cache.Storage
	keyer        cachekey.CacheKeyer
	classifier   Classifier
	log          zerolog.Logger
	metrics      *metrics
	reverseproxy httputil.ReverseProxy
	fetchTimeout time.Duration
	originHost   string

	shellStore    string
	dataStore     string
	shellManifest []string
	offlinePath   string
	waitForSkip   bool

	// lifecycle
	lifecycle     sync.Mutex
	state         atomic.Int32
	skipRequested bool
	controlling   atomic.Bool

	background sync.WaitGroup
}

// CreateManager initializes the cache manager.
// The manager only starts intercepting requests once it has been installed and activated.
func CreateManager(config Config) (*Manager, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	m, err := newMetrics(config.Meter)
	if err != nil {
		return nil, err
	}

	a := &Manager{
		storage:       config.Storage,
		keyer:         cachekey.NewCacheKeyer(),
		classifier:    NewClassifier(config.ExclusionPrefixes),
		log:           logger,
		metrics:       m,
		fetchTimeout:  config.FetchTimeout,
		originHost:    config.OriginURL.Host,
		shellStore:    config.ShellStore,
		dataStore:     config.DataStore,
		shellManifest: append([]string(nil), config.ShellManifest...),
		offlinePath:   config.OfflineFallbackPath,
		waitForSkip:   config.WaitForSkip,
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = originTransport(config.OriginHost)
	}

	a.reverseproxy = httputil.ReverseProxy{
		Director:     createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport:    transport,
		ErrorHandler: a.handleProxyError,
		ErrorLog:     newStdLogger(logger),
	}

	return a, nil
}

// ServeHTTP implements the http.Handler interface.
// It is the main entry point for intercepted requests.
func (a *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w, r)

	// pages are not controlled until activation, and
	// only GET is ever cached, POST/DELETE always hit the server
	if !a.controlling.Load() {
		a.forward(w, r, statusFwd(a.classifier.Classify(r.URL.Path), fwdUncontrolled))
		return
	}
	if r.Method != http.MethodGet {
		a.passthrough(w, r)
		return
	}

	switch class := a.classifier.Classify(r.URL.Path); class {
	case ClassBypass:
		a.forward(w, r, statusFwd(class, fwdBypass))
	case ClassRevalidate:
		a.staleWhileRevalidate(w, r)
	default:
		a.cacheFirst(w, r)
	}
}

// Wait blocks until all background refreshes have finished.
func (a *Manager) Wait() {
	a.background.Wait()
}

// recover recovers from panics and proxies the request to the origin if nothing has been sent yet.
func (a *Manager) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("url", r.URL.String()).Msg("Panic in cache handler")
		ctx, cancel := a.withFetchTimeout(r.Context())
		defer cancel()
		a.reverseproxy.ServeHTTP(w, r.WithContext(ctx))
	}
}

// fetch runs the request against the origin and records the response.
// The returned saver holds the complete response; it is never partially tee'd anywhere.
func (a *Manager) fetch(ctx context.Context, r *http.Request) (rw *tee.ResponseSaver, err error) {
	ctx, cancel := a.withFetchTimeout(ctx)
	defer cancel()
	// the proxy aborts with a panic when the origin body breaks off mid-copy
	defer func() {
		if p := recover(); p != nil {
			if p != http.ErrAbortHandler {
				panic(p)
			}
			rw, err = nil, errBodyAborted
		}
	}()

	rw = tee.NewResponseSaver(nil)
	a.reverseproxy.ServeHTTP(rw, r.WithContext(ctx))
	if err := rw.Err(); err != nil {
		return nil, err
	}
	return rw, nil
}

// forward just pipes the request through to the origin and immediately responds to the client.
// Network failures are reported to the client, nothing is stored or read from a store.
func (a *Manager) forward(w http.ResponseWriter, r *http.Request, cs cacheStatus) *tee.ResponseSaver {
	ctx, cancel := a.withFetchTimeout(r.Context())
	defer cancel()
	rw := tee.NewResponseSaver(w)
	a.reverseproxy.ServeHTTP(rw, r.WithContext(ctx))
	if err := rw.Err(); err != nil {
		a.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Network unavailable")
		cs.Detail = "network"
		a.fail(w, r, cs)
		return rw
	}
	if err := rw.ClientErr(); err != nil {
		a.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Could not write response to client")
	}
	a.logRequest(r, cs, rw.StatusCode())
	return rw
}

// withFetchTimeout bounds a network leg by the configured fetch timeout.
func (a *Manager) withFetchTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.fetchTimeout > 0 {
		return context.WithTimeout(ctx, a.fetchTimeout)
	}
	return context.WithCancel(ctx)
}

// handleProxyError records the error on the response saver, so that the caller can fall back.
func (a *Manager) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	if rw, ok := w.(*tee.ResponseSaver); ok {
		rw.Fail(err)
		return
	}
	a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Error connecting to origin")
	http.Error(w, "Could not connect to origin", http.StatusBadGateway)
}

// fail reports to the client that no response could be obtained.
func (a *Manager) fail(w http.ResponseWriter, r *http.Request, cs cacheStatus) {
	http.Error(w, "Could not connect to origin", http.StatusBadGateway)
	a.logRequest(r, cs, http.StatusBadGateway)
}

// send sends a stored (or just recorded) response to the client.
func (a *Manager) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs cacheStatus) {
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
	a.logRequest(r, cs, res.StatusCode)
	a.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

// sendRecorded sends a response fetched from the network.
// The recorded bytes are not consumed, so they can be stored as well.
func (a *Manager) sendRecorded(w http.ResponseWriter, r *http.Request, rw *tee.ResponseSaver, cs cacheStatus) {
	res, err := serializer.BytesToResponse(rw.Response(), r)
	if err != nil {
		a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not read recorded response")
		cs.Detail = "network"
		a.fail(w, r, cs)
		return
	}
	a.send(w, r, res, cs)
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (a *Manager) logRequest(r *http.Request, cs cacheStatus, statusCode int) {
	a.metrics.recordRequest(r.Context(), cs)
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", statusCode).
		Str("class", cs.Class.String()).
		Str("status", cs.String()).
		Bool("stored", cs.Stored).
		Msg("Sending response to client")
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
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func originTransport(serverName string) http.RoundTripper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		ServerName: serverName,
	}
	return transport
}

// newStdLogger routes messages of the proxy internals to the zerolog logger.
func newStdLogger(logger zerolog.Logger) *log.Logger {
	return log.New(logger.With().Str("component", "proxy").Logger(), "", 0)
}
