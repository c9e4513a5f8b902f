// Package trigger implements the one-shot wakeup IPC spec.md §4.K
// describes: a client that asks a running scheduler to scan the queue
// now instead of waiting for its next periodic tick (the ETRN/"flush
// queue" use case), and the server side that receives that request.
//
// Built directly on internal/localrpc, rather than a bespoke protocol:
// a trigger is exactly localrpc's one-shot "name plus a handful of
// key/value arguments, one response" shape, so this package is a thin
// typed wrapper around localrpc.Client/Server with a single registered
// method.
package trigger

import (
	"net/url"

	"posthorn.example/posthorn/internal/localrpc"
	"posthorn.example/posthorn/internal/trace"
)

// Kind identifies what a trigger asks the scheduler to do. Handling a
// request is idempotent regardless of Kind: the handler always performs
// "scan for any due work" rather than consuming a specific payload, so a
// duplicate or racing trigger is harmless.
type Kind string

const (
	// KindScan asks the scheduler to run an immediate ScanOnce.
	KindScan Kind = "scan"
	// KindETRN carries a single destination domain (RFC 1985); the
	// handler still scans for any due work, not just that domain.
	KindETRN Kind = "etrn"

	method = "Trigger"
)

// Request is a one-shot wakeup request.
type Request struct {
	Kind   Kind
	Domain string // only meaningful for KindETRN
}

// Handler processes a trigger request. It should return quickly; the
// actual queue scan runs asynchronously.
type Handler func(req Request) error

// Server accepts trigger requests over a Unix socket, via localrpc.
type Server struct {
	*localrpc.Server
}

// NewServer creates a trigger Server whose single RPC method invokes
// handle for every request it receives.
func NewServer(handle Handler) *Server {
	s := &Server{Server: localrpc.NewServer()}
	s.Register(method, func(tr *trace.Trace, in url.Values) (url.Values, error) {
		req := Request{Kind: Kind(in.Get("kind")), Domain: in.Get("domain")}
		if err := handle(req); err != nil {
			return nil, err
		}
		return url.Values{}, nil
	})
	return s
}

// Client sends trigger requests to a running scheduler.
type Client struct {
	*localrpc.Client
}

// NewClient creates a Client dialing the trigger socket at path.
func NewClient(path string) *Client {
	return &Client{Client: localrpc.NewClient(path)}
}

// Notify sends a one-shot trigger request and waits for the
// acknowledgement. Delivery is best-effort: callers are expected to
// retry on their own schedule rather than block indefinitely, since a
// dropped trigger just means the next periodic scan picks up the work.
func (c *Client) Notify(req Request) error {
	args := []string{"kind", string(req.Kind)}
	if req.Kind == KindETRN {
		args = append(args, "domain", req.Domain)
	}
	_, err := c.Call(method, args...)
	return err
}
