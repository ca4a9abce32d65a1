package taskstream

import (
	"context"
	"net/url"
	"strings"
	"sync"
)

// Registry deduplicates connections per endpoint. Acquire hands out a shared
// Conn with a reference count; the connection closes when the last holder
// releases it.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*sharedConn
}

type sharedConn struct {
	conn *Conn
	refs int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*sharedConn)}
}

// Acquire returns the live connection for the endpoint, dialing one if none
// exists. The returned release function must be called exactly once; the
// connection shuts down when its reference count reaches zero. A connection
// that has already closed is replaced on the next Acquire.
func (r *Registry) Acquire(ctx context.Context, endpoint string, opts ...DialOption) (*Conn, func(), error) {
	key := endpointKey(endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sc, ok := r.conns[key]; ok && sc.conn.Status().Phase != PhaseClosed {
		sc.refs++
		return sc.conn, r.releaseFunc(key, sc), nil
	}

	conn, err := Dial(ctx, endpoint, opts...)
	if err != nil {
		return nil, nil, err
	}
	sc := &sharedConn{conn: conn, refs: 1}
	r.conns[key] = sc
	return conn, r.releaseFunc(key, sc), nil
}

// Len reports how many live connections the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) releaseFunc(key string, sc *sharedConn) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			sc.refs--
			drop := sc.refs <= 0
			if drop && r.conns[key] == sc {
				delete(r.conns, key)
			}
			r.mu.Unlock()
			if drop {
				_ = sc.conn.Close()
			}
		})
	}
}

// endpointKey canonicalizes an endpoint URL so that trivial spelling
// differences share one connection.
func endpointKey(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	path := strings.TrimSuffix(u.Path, "/")
	return u.Scheme + "://" + u.Host + path
}
