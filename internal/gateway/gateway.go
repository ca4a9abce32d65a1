// Package gateway is the studio server: it terminates the task websocket,
// serves the chat REST API, proxies sibling upstream servers, and serves
// the built UI bundle for everything else.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"reelay/internal/config"
	"reelay/internal/metrics"
	"reelay/internal/middleware"
	"reelay/internal/proxy"
	"reelay/internal/runner"
	"reelay/internal/static"
	"reelay/pkg/protocol"

	rstore "reelay/internal/store"
)

// Gateway wires the store, runner, middleware, proxy, and static handler
// behind one listening port.
type Gateway struct {
	config    *config.Config
	store     *rstore.Store
	runner    runner.Runner
	auth      *middleware.TokenAuth
	wsAuth    *middleware.WSAuth
	rateLimit *middleware.RateLimitMiddleware
	fallback  http.Handler
	upgrader  websocket.Upgrader
	logger    *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sessionMu sync.Mutex
	sessions  map[string]*TaskSession

	startedAt time.Time
	closeOnce sync.Once
}

// New builds a gateway from configuration. The returned gateway owns the
// store; Close releases it.
func New(cfg *config.Config) (*Gateway, error) {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	st, err := rstore.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	run, err := buildRunner(cfg.Runner)
	if err != nil {
		st.Close()
		return nil, err
	}

	auth := middleware.NewTokenAuth(middleware.TokenAuthConfig{
		Token:     cfg.Auth.Token,
		SkipPaths: []string{"/health", "/metrics"},
		Logger:    logger,
	})

	rules, err := proxy.RulesFromConfig(cfg.Upstreams)
	if err != nil {
		st.Close()
		return nil, err
	}

	boot := static.Bootstrap{WSPath: "/ws", Protocol: protocol.Subprotocol}
	for _, rule := range rules {
		if rule.Name == "preview" {
			boot.PreviewPrefix = rule.Prefix
		}
	}
	staticHandler := static.NewHandler(cfg.Static.Dir, cfg.Static.IndexFile(), boot, static.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		config:    cfg,
		store:     st,
		runner:    run,
		auth:      auth,
		wsAuth:    middleware.NewWSAuth(auth),
		rateLimit: middleware.NewRateLimitMiddleware(middleware.RateLimitOptions{Config: cfg.RateLimiting, Logger: logger}),
		fallback:  proxy.New(rules, staticHandler, proxy.WithLogger(logger)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*TaskSession),
		startedAt: time.Now(),
	}

	logger.Printf("[Gateway] Runner: %s, auth: %s, upstream rules: %d",
		run.Name(), onOff(auth.Enabled()), len(rules))
	return g, nil
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// buildRunner selects the task runner from configuration. The storyboard
// runner is the default.
func buildRunner(cfg config.RunnerConfig) (runner.Runner, error) {
	switch cfg.Kind {
	case "", "storyboard":
		return &runner.StoryboardRunner{Delay: 250 * time.Millisecond}, nil
	case "script":
		sc, err := runner.LoadScenario(cfg.ScriptPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load scenario: %w", err)
		}
		return &runner.ScriptRunner{Scenario: sc}, nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", cfg.Kind)
	}
}

// Handler returns the full routing chain. Exposed so tests can drive the
// gateway through httptest without a listener.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.Handler) http.Handler {
		return metrics.Middleware(g.auth.Wrap(g.rateLimit.Wrap(h)))
	}
	wrapFunc := func(h http.HandlerFunc) http.Handler {
		return wrap(h)
	}

	mux.Handle("/health", wrapFunc(g.handleHealth))
	mux.Handle("/metrics", wrap(metrics.Handler()))
	mux.Handle("/chats", wrapFunc(g.handleChats))
	mux.Handle("/chats/", wrapFunc(g.handleChatByID))
	mux.Handle("/messages", wrapFunc(g.handleMessages))
	mux.Handle("/checkpoints/", wrapFunc(g.handleCheckpointApply))

	// The websocket endpoint authenticates inside the handler so failures
	// surface as close codes rather than HTTP errors.
	mux.Handle("/ws", metrics.Middleware(g.rateLimit.Wrap(http.HandlerFunc(g.handleWS))))

	// Everything unclaimed goes to the upstream proxy, then the UI bundle.
	// The bundle must load without a token; the token is entered in the UI.
	mux.Handle("/", metrics.Middleware(g.fallback))

	return mux
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", g.config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Printf("[Gateway] Listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		g.Close()
		return err
	case <-ctx.Done():
	}

	g.logger.Printf("[Gateway] Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		g.logger.Printf("[Gateway] Forced shutdown: %v", err)
	}
	g.Close()
	return nil
}

// Close stops sessions, the rate limiter, and the store. Safe to call more
// than once.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.cancel()
		g.rateLimit.Stop()
		if err := g.store.Close(); err != nil {
			g.logger.Printf("[Gateway] Failed to close store: %v", err)
		}
	})
}

// Store returns the underlying chat store for shared use, such as the
// maintenance scheduler running in the same process.
func (g *Gateway) Store() *rstore.Store {
	return g.store
}

// session returns the chat's task session, creating it on first use.
func (g *Gateway) session(chatID string) *TaskSession {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	if s, ok := g.sessions[chatID]; ok {
		return s
	}
	s := newTaskSession(g.ctx, chatID, g.store, g.runner, g.config.Session,
		g.config.Runner.AutoApprove, g.config.Debug.LogEventContent, g.logger)
	g.sessions[chatID] = s
	return s
}

// peekSession returns the chat's session without creating one.
func (g *Gateway) peekSession(chatID string) *TaskSession {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	return g.sessions[chatID]
}

// notifyHistoryChanged tells a chat's attached clients, if any, that stored
// history was rewritten outside the event stream.
func (g *Gateway) notifyHistoryChanged(chatID string) {
	if s := g.peekSession(chatID); s != nil {
		s.NotifyHistoryChanged()
	}
}

// dropSession stops and removes a chat's session after the chat is deleted.
func (g *Gateway) dropSession(chatID, reason string) {
	g.sessionMu.Lock()
	s := g.sessions[chatID]
	delete(g.sessions, chatID)
	g.sessionMu.Unlock()
	if s != nil {
		s.stop()
		s.closeClients(reason)
	}
}

// dropAllSessions stops and removes every session.
func (g *Gateway) dropAllSessions(reason string) {
	g.sessionMu.Lock()
	all := g.sessions
	g.sessions = make(map[string]*TaskSession)
	g.sessionMu.Unlock()
	for _, s := range all {
		s.stop()
		s.closeClients(reason)
	}
}
