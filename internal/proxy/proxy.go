// Package proxy multiplexes sibling upstream servers behind the studio port.
// Requests matching a rule's path prefix are forwarded, upgrading to a
// bidirectional websocket pump when the client asks for one; everything else
// falls through to the next handler.
package proxy

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"reelay/internal/config"
	"reelay/internal/metrics"
)

// Rule routes one path prefix to one upstream. Rules are built once at
// startup and never change.
type Rule struct {
	Name   string
	Prefix string
	Target *url.URL
	Strip  bool
}

// RulesFromConfig builds forwarding rules from the configured upstreams.
// Disabled upstreams produce no rule. The UI dev server mounts at "/" so it
// shadows static file serving entirely while it is running.
func RulesFromConfig(ups config.UpstreamsConfig) ([]Rule, error) {
	var rules []Rule

	if ups.Preview.Enabled() {
		target, err := url.Parse(ups.Preview.Target())
		if err != nil {
			return nil, fmt.Errorf("bad preview upstream URL: %w", err)
		}
		prefix := ups.Preview.Prefix
		if prefix == "" {
			prefix = "/remotion"
		}
		rules = append(rules, Rule{Name: "preview", Prefix: prefix, Target: target, Strip: true})
	}

	if ups.UI.Enabled() {
		target, err := url.Parse(ups.UI.Target())
		if err != nil {
			return nil, fmt.Errorf("bad ui upstream URL: %w", err)
		}
		prefix := ups.UI.Prefix
		if prefix == "" {
			prefix = "/"
		}
		rules = append(rules, Rule{Name: "ui", Prefix: prefix, Target: target, Strip: false})
	}

	return rules, nil
}

// Multiplexer routes requests across the rules, falling back to the given
// handler when nothing matches.
type Multiplexer struct {
	rules    []Rule
	proxies  []*httputil.ReverseProxy
	fallback http.Handler
	logger   *log.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// Option configures the multiplexer.
type Option func(*Multiplexer)

// WithLogger overrides the logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Multiplexer) { m.logger = l }
}

// New builds a multiplexer over the rules, in order. First match wins.
func New(rules []Rule, fallback http.Handler, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		rules:    rules,
		fallback: fallback,
		logger:   log.Default(),
		dialer:   websocket.DefaultDialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The pump relays whatever the upstream accepts; origin
			// policy belongs to the upstream itself.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, rule := range m.rules {
		m.proxies = append(m.proxies, m.httpProxy(rule))
	}
	return m
}

// ServeHTTP implements http.Handler.
func (m *Multiplexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for i, rule := range m.rules {
		if !matchesPrefix(r.URL.Path, rule.Prefix) {
			continue
		}
		metrics.ProxyRequests.WithLabelValues(rule.Name).Inc()
		if websocket.IsWebSocketUpgrade(r) {
			m.serveUpgrade(w, r, rule)
		} else {
			m.proxies[i].ServeHTTP(w, r)
		}
		return
	}
	m.fallback.ServeHTTP(w, r)
}

// httpProxy builds the plain-HTTP reverse proxy for one rule. Bodies stream
// through unbuffered; a refused upstream answers 502 instead of killing the
// client connection.
func (m *Multiplexer) httpProxy(rule Rule) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(rule.Target)
			pr.SetXForwarded()
			pr.Out.URL.Path = rewritePath(pr.In.URL.Path, rule.Prefix, rule.Strip)
			pr.Out.URL.RawPath = ""
		},
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			m.logger.Printf("[Proxy] %s upstream error for %s %s: %v", rule.Name, r.Method, r.URL.Path, err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
}

// serveUpgrade dials the upstream websocket, completes the client handshake,
// and pumps frames both ways until either side closes.
func (m *Multiplexer) serveUpgrade(w http.ResponseWriter, r *http.Request, rule Rule) {
	outURL := *rule.Target
	switch outURL.Scheme {
	case "http":
		outURL.Scheme = "ws"
	case "https":
		outURL.Scheme = "wss"
	}
	outURL.Path = rewritePath(r.URL.Path, rule.Prefix, rule.Strip)
	outURL.RawQuery = r.URL.RawQuery

	dialer := *m.dialer
	dialer.Subprotocols = websocket.Subprotocols(r)

	upstream, resp, err := dialer.Dial(outURL.String(), forwardableHeader(r.Header))
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		m.logger.Printf("[Proxy] %s websocket dial to %s failed: %v", rule.Name, outURL.String(), err)
		http.Error(w, "upstream websocket unavailable", status)
		return
	}

	var responseHeader http.Header
	if proto := upstream.Subprotocol(); proto != "" {
		responseHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
	}
	client, err := m.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		m.logger.Printf("[Proxy] %s client upgrade failed: %v", rule.Name, err)
		upstream.Close()
		return
	}

	metrics.ProxyPumps.Inc()
	defer metrics.ProxyPumps.Dec()

	// One pump per direction; the first side to die takes the other down
	// with it, relaying any close frame unaltered.
	errc := make(chan error, 2)
	go func() { errc <- pump(upstream, client) }()
	go func() { errc <- pump(client, upstream) }()
	<-errc

	client.Close()
	upstream.Close()
	<-errc
}

// pump copies frames from src to dst until src dies. A close frame from src
// is relayed to dst with its code and reason untouched; a transport failure
// tears dst down without inventing a close code.
func pump(dst, src *websocket.Conn) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNoStatusReceived {
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				deadline := time.Now().Add(time.Second)
				_ = dst.WriteControl(websocket.CloseMessage, msg, deadline)
			}
			return err
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return err
		}
	}
}

// matchesPrefix reports whether the path falls under the prefix on a path
// segment boundary, so "/remotion" claims "/remotion/foo" but not
// "/remotionx".
func matchesPrefix(path, prefix string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// rewritePath strips the matched prefix and collapses any doubled slashes
// left behind.
func rewritePath(path, prefix string, strip bool) string {
	if !strip {
		return path
	}
	p := strings.TrimPrefix(path, prefix)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}

// forwardableHeader copies request headers for the upstream dial, dropping
// the hop-by-hop and handshake headers the dialer must own.
func forwardableHeader(h http.Header) http.Header {
	out := http.Header{}
	for k, vs := range h {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version",
			"sec-websocket-extensions", "sec-websocket-protocol":
			continue
		}
		out[k] = vs
	}
	return out
}
