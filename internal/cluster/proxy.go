package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrProxyUnavailable wraps transport failures while forwarding a write
// to the leader. Callers surface it as a transient infrastructure error.
var ErrProxyUnavailable = errors.New("cluster: leader proxy unavailable")

// forwardedHeader marks a request as already proxied once. A leader that
// demoted mid-flight must not bounce the request around the cluster.
const forwardedHeader = "X-Forwarded-By-Node"

// Proxy forwards write requests from followers to the current leader.
type Proxy struct {
	manager *Manager
	client  *http.Client
}

// NewProxy creates a proxy with a bounded per-request timeout.
func NewProxy(manager *Manager, timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Proxy{
		manager: manager,
		client:  &http.Client{Timeout: timeout},
	}
}

// AlreadyForwarded reports whether the request has been proxied once
// before. Such requests must be rejected, not re-forwarded.
func AlreadyForwarded(r *http.Request) bool {
	return r.Header.Get(forwardedHeader) != ""
}

// Forward replays the request against the leader and returns its
// response. The caller owns closing the response body. Returns
// ErrNoLeader when no leader is known.
func (p *Proxy) Forward(ctx context.Context, r *http.Request, body []byte) (*http.Response, error) {
	leader, err := p.manager.Leader(ctx)
	if err != nil {
		return nil, err
	}
	if leader.NodeID == p.manager.NodeID() {
		// Lock says we are the leader but the engine gate disagreed;
		// treat as an election in progress rather than self-forwarding.
		return nil, ErrNoLeader
	}

	url := "http://" + leader.Addr + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("cluster: build proxy request: %w", err)
	}
	req.Header = r.Header.Clone()
	req.Header.Set(forwardedHeader, p.manager.NodeID())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyUnavailable, err)
	}
	return resp, nil
}

// CopyResponse writes a forwarded response back to the original caller.
func CopyResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}
