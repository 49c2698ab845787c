package offlinecache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/lifetime"
	classifier "github.com/always-cache/offline-cache/pkg/request-classifier"
	"github.com/always-cache/offline-cache/rfc9211"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ControlPrefix is the path prefix of the control surface. Requests under it
// are never forwarded to the origin.
const ControlPrefix = "/_offline"

const (
	DefaultName           = "legalmatch"
	DefaultVersion        = "v1.0.0"
	DefaultRootDocument   = "/"
	DefaultClientIdle     = 30 * time.Minute
	DefaultNetworkTimeout = 30 * time.Second
)

// DefaultManifest lists the assets cached on install when no manifest is configured.
func DefaultManifest() []string {
	return []string{
		"/",
		"/static/style.css",
		"/static/main.js",
		"/static/components.js",
		"/static/lawyers.js",
		"/static/filter-utils.js",
		"/static/js/state-district.js",
		"/static/data/indian_states_districts.json",
		"/static/manifest.json",
		"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/css/bootstrap.min.css",
		"https://cdn.jsdelivr.net/npm/bootstrap-icons@1.10.0/font/bootstrap-icons.css",
		"https://cdn.jsdelivr.net/npm/bootstrap@5.3.0/dist/js/bootstrap.bundle.min.js",
	}
}

type Config struct {
	// Storage for collections. An in-memory store is used if nil.
	Store cache.Store
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Prefix of collection names and version tags.
	Name string
	// Document served to HTML requests when both network and cache fail.
	RootDocument string
	// Request classification rules. The default rules are used if nil.
	Rules classifier.Rules
	// Activate installed generations without waiting for clients of the active one.
	SkipWaiting bool
	// Time after which a silent client no longer counts as open.
	ClientIdle time.Duration
	// Glob patterns of collection names that activation must not delete.
	Retain []string
	// Timeout of network requests.
	NetworkTimeout time.Duration
	// Transport for network requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Notifications are shown with Notifier and opened with Opener.
	// In-memory implementations are used if nil.
	Notifier Notifier
	Opener   Opener
	// Hook run on background sync. A no-op is used if nil.
	SyncHook SyncHook
	// Registry for metrics. A new registry is created if nil.
	// Caches sharing a registry must have distinct names.
	Metrics *prometheus.Registry
}

type OfflineCache struct {
	store        cache.Store
	keyer        cachekey.CacheKeyer
	rules        classifier.Rules
	origin       url.URL
	hostHeader   string
	rootDocument string
	log          zerolog.Logger

	client       *http.Client
	reverseproxy httputil.ReverseProxy

	tracker       *lifetime.Tracker
	clients       *Clients
	lifecycle     *Lifecycle
	control       *ControlChannel
	notifications *NotificationBridge
	sync          *BackgroundSync
	events        *Registry

	metricsReg *prometheus.Registry
	metrics    *metrics
	router     chi.Router

	name       string
	clientIdle time.Duration
	done       chan struct{}
}

// CreateCache initializes the offline-cache instance.
// It starts the needed background processes
// and sets up the needed variables.
// No request is intercepted until a generation has been registered and activated.
func CreateCache(config Config) *OfflineCache {
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

	o := &OfflineCache{
		store:        config.Store,
		keyer:        cachekey.NewCacheKeyer(&config.OriginURL),
		rules:        config.Rules,
		origin:       config.OriginURL,
		rootDocument: config.RootDocument,
		log:          logger,
		name:         config.Name,
		clientIdle:   config.ClientIdle,
		metricsReg:   config.Metrics,
		done:         make(chan struct{}),
	}
	if o.store == nil {
		o.store = cache.NewMemStore()
	}
	if o.rules == nil {
		o.rules = classifier.NewRules(classifier.DefaultPatterns())
	}
	if o.rootDocument == "" {
		o.rootDocument = DefaultRootDocument
	}
	if o.name == "" {
		o.name = DefaultName
	}
	if o.clientIdle == 0 {
		o.clientIdle = DefaultClientIdle
	}
	if o.metricsReg == nil {
		o.metricsReg = newMetricsReg()
	}
	networkTimeout := config.NetworkTimeout
	if networkTimeout == 0 {
		networkTimeout = DefaultNetworkTimeout
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		if config.Transport == nil {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: config.OriginHost,
				},
			}
		}
	}

	o.hostHeader = hostHeader
	o.client = &http.Client{
		Transport: transport,
		Timeout:   networkTimeout,
		// redirects are handed to the client as they are
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	o.reverseproxy = httputil.ReverseProxy{
		Director:     createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport:    transport,
		ErrorHandler: o.proxyError,
	}

	o.tracker = lifetime.NewTracker(logger)
	o.metrics = newMetrics(o.metricsReg, o.name, func() float64 { return float64(o.tracker.Running()) })
	o.clients = newClients(o.clientIdle)
	o.lifecycle = &Lifecycle{
		store:       o.store,
		keyer:       o.keyer,
		clients:     o.clients,
		fetch:       o.fetchURL,
		log:         logger,
		metrics:     o.metrics,
		skipWaiting: config.SkipWaiting,
		retain:      config.Retain,
	}
	o.control = &ControlChannel{lifecycle: o.lifecycle, log: logger}
	o.notifications = newNotificationBridge(config.Notifier, config.Opener, o.rootDocument, logger, o.metrics)
	o.sync = newBackgroundSync(config.SyncHook, logger)
	o.events = newRegistry(o.tracker, logger)
	o.registerDefaultHandlers()
	o.router = o.createRouter()

	// check waiting generations as clients go idle
	go o.watchIdleClients()

	return o
}

type request struct {
	r           *http.Request
	gen         *Generation
	category    classifier.Category
	cacheStatus rfc9211.CacheStatus
	source      string
}

// ServeHTTP implements the http.Handler interface.
func (o *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer o.recover(w, r)

	if !r.URL.IsAbs() && (r.URL.Path == ControlPrefix || strings.HasPrefix(r.URL.Path, ControlPrefix+"/")) {
		o.router.ServeHTTP(w, r)
		return
	}

	o.log.Trace().Str("method", r.Method).Str("url", r.URL.String()).Msg("Request received")
	req := &request{r: r}
	req.gen = o.clients.Controller(r, o.lifecycle.Active())
	if req.gen == nil {
		// not controlled, the request is not intercepted
		req.cacheStatus.Forward(rfc9211.FwdReasonBypass)
		o.passthrough(w, req)
		return
	}
	if r.Method != http.MethodGet {
		req.cacheStatus.Forward(rfc9211.FwdReasonMethod)
		o.passthrough(w, req)
		return
	}

	req.category = o.rules.Classify(r)
	switch req.category {
	case classifier.Static:
		o.cacheFirst(w, req)
	case classifier.API, classifier.HTML:
		o.networkFirst(w, req)
	default:
		req.cacheStatus.Forward(rfc9211.FwdReasonBypass)
		o.passthrough(w, req)
	}
}

// recover catches panics in request handling and sends the offline response.
// Aborted handlers are passed on.
func (o *OfflineCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		if err == http.ErrAbortHandler {
			panic(err)
		}
		o.log.Error().Interface("panic", err).Str("url", r.URL.String()).Msg("Recovered from panic")
		o.escapeHatch(w)
	}
}

// escapeHatch sends the synthesized offline response.
func (o *OfflineCache) escapeHatch(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte(OfflineBody))
}

// Register installs a generation of the given version, and activates it unless
// it has to wait for clients of the active generation.
// A nil manifest installs DefaultManifest.
func (o *OfflineCache) Register(ctx context.Context, version string, manifest []string) error {
	if manifest == nil {
		manifest = DefaultManifest()
	}
	gen := NewGeneration(o.name, version, manifest)
	return o.events.Dispatch(ctx, Event{Kind: EventInstall, Generation: gen}).Wait(ctx)
}

// Lifecycle returns the lifecycle controller.
func (o *OfflineCache) Lifecycle() *Lifecycle {
	return o.lifecycle
}

// Events returns the event registry, e.g. for replacing default handlers.
func (o *OfflineCache) Events() *Registry {
	return o.events
}

// Wait blocks until all pending work (such as cache writes) has settled.
func (o *OfflineCache) Wait(ctx context.Context) error {
	return o.tracker.Wait(ctx)
}

// Shutdown stops background processes and waits for pending work.
// The store is not closed.
func (o *OfflineCache) Shutdown(ctx context.Context) error {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
	return o.tracker.Close(ctx)
}

func (o *OfflineCache) watchIdleClients() {
	interval := o.clientIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.checkIdleClients(context.Background())
		}
	}
}

// checkIdleClients forgets idle clients, then activates a waiting
// generation if it no longer has to wait.
func (o *OfflineCache) checkIdleClients(ctx context.Context) {
	if n := o.clients.sweep(); n > 0 {
		o.log.Trace().Int("clients", n).Msg("Forgot idle clients")
	}
	if err := o.lifecycle.CheckWaiting(ctx); err != nil {
		o.log.Error().Err(err).Msg("Could not activate waiting generation")
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.Header.Del(ClientIDHeader)
		// forward proxy requests to other hosts keep their destination
		if req.URL.IsAbs() && req.URL.Host != host {
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

func (o *OfflineCache) logRequest(req *request) {
	isHit := 0
	if req.cacheStatus.Status == rfc9211.StatusHit {
		isHit = 1
	}
	o.log.Debug().
		Str("method", req.r.Method).
		Str("url", req.r.URL.String()).
		Str("sourceIp", getRequestSourceIp(req.r)).
		Str("category", string(req.category)).
		Str("source", req.source).
		Str("status", string(req.cacheStatus.Status)).
		Str("fwd", string(req.cacheStatus.FwdReason)).
		Bool("stored", req.cacheStatus.Stored).
		Str("detail", req.cacheStatus.Detail).
		Int("hit", isHit).
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
