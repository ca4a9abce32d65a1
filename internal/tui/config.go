package tui

import (
	"fmt"
	"net/url"
	"strings"
)

// Options configure the terminal client. URL accepts either the gateway's
// HTTP base or a full websocket endpoint; the other form is derived.
type Options struct {
	URL           string
	Token         string
	AssistantName string
}

// wsEndpoint derives the websocket URL: http becomes ws, https becomes wss,
// and the /ws path is appended when the URL has none.
func (o Options) wsEndpoint() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL %q: %w", o.URL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid gateway URL %q: unsupported scheme %q", o.URL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid gateway URL %q: missing host", o.URL)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// httpBase derives the REST base URL, without the /ws path.
func (o Options) httpBase() (string, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return "", fmt.Errorf("invalid gateway URL %q: %w", o.URL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("invalid gateway URL %q: unsupported scheme %q", o.URL, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws")
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

func (o Options) assistantName() string {
	if o.AssistantName != "" {
		return o.AssistantName
	}
	return "Studio"
}
