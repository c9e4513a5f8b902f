// Package delivery implements the delivery request protocol spec.md §4.H
// describes: a line-oriented protocol between the scheduler and a delivery
// agent, carried over a Unix socket, with the connection kept open and
// reused across requests for the same destination.
//
// Grounded on internal/localrpc/localrpc.go: the same net.Conn +
// net/textproto transport, the same "read one line, dispatch, write one
// line back" shape, extended here to a multi-line request/response (a
// batch of recipients) instead of a single url.Values round trip, since a
// delivery request needs to carry a whole recipient batch.
package delivery

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"posthorn.example/posthorn/internal/trace"
)

// Status is a recipient's delivery outcome.
type Status int

const (
	OK Status = iota
	Defer
	BounceStatus
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Defer:
		return "DEFER"
	case BounceStatus:
		return "BOUNCE"
	default:
		return "UNKNOWN"
	}
}

func parseStatus(s string) (Status, error) {
	switch s {
	case "OK":
		return OK, nil
	case "DEFER":
		return Defer, nil
	case "BOUNCE":
		return BounceStatus, nil
	}
	return 0, fmt.Errorf("delivery: unknown status %q", s)
}

// Recipient is one recipient in a delivery request, carrying enough
// information for the agent to report back against the right queue-file
// offset without touching the queue file itself.
type Recipient struct {
	Original  string
	Canonical string
	Notify    uint8 // DSN NOTIFY flag bitmask
	Offset    int64 // byte offset of this recipient's RCPT record
}

// Request is one delivery request: a message (identified by queue+ID) and
// a batch of recipients sharing one (transport, nexthop) destination.
type Request struct {
	Queue      string
	ID         string
	DataOffset int64
	Sender     string
	SendOpts   uint8
	Recipients []Recipient
}

// RecipientResult is one recipient's outcome in a Response.
type RecipientResult struct {
	Status Status
	DSN    string // RFC 3463 enhanced status code
	Text   string // free-text reason
}

// Response carries one RecipientResult per Request.Recipients, in order.
type Response struct {
	Results []RecipientResult
}

// Handler processes one delivery Request and returns a Response.
type Handler func(ctx context.Context, req Request) (Response, error)

// Server accepts delivery requests over a Unix socket, dispatching each
// connection's requests (there may be several, since the scheduler reuses
// a connection across batches for the same destination) to Handle.
type Server struct {
	Handle Handler

	lis net.Listener
}

// ListenAndServe listens on the Unix socket at path and serves requests
// until the listener is closed.
func (s *Server) ListenAndServe(path string) error {
	tr := trace.New("delivery.Server", path)
	defer tr.Finish()

	os.Remove(path)

	var err error
	s.lis, err = net.Listen("unix", path)
	if err != nil {
		return err
	}

	tr.Printf("Listening")
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			tr.Errorf("Accept error: %v", err)
			return err
		}
		go s.handleConn(tr, conn)
	}
}

// Close stops the server.
func (s *Server) Close() error {
	return s.lis.Close()
}

func (s *Server) handleConn(tr *trace.Trace, conn net.Conn) {
	tr = trace.New("delivery.Handle", conn.RemoteAddr().String())
	defer tr.Finish()
	defer conn.Close()

	tconn := textproto.NewConn(conn)
	defer tconn.Close()

	for {
		conn.SetDeadline(time.Now().Add(5 * time.Minute))

		req, err := readRequest(&tconn.Reader)
		if err != nil {
			tr.Debugf("connection done: %v", err)
			return
		}

		resp, err := s.Handle(context.Background(), req)
		if err != nil {
			tr.Errorf("handler error: %v", err)
			writeError(tconn, err)
			return
		}

		if err := writeResponse(tconn, resp); err != nil {
			tr.Errorf("write response error: %v", err)
			return
		}
	}
}

// Client dials a delivery agent's Unix socket and issues requests over a
// single reused connection, per spec.md §4.H ("the connection is reused
// while the scheduler has more batches for the same destination key").
type Client struct {
	conn  net.Conn
	tconn *textproto.Conn
}

// Dial connects to the delivery agent listening at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, tconn: textproto.NewConn(conn)}, nil
}

// Deliver sends req and waits for a Response, honoring timeout. On
// timeout the caller should treat every recipient in req as soft-fail, per
// spec.md §4.H.
func (c *Client) Deliver(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	if err := writeRequest(c.tconn, req); err != nil {
		return Response{}, err
	}
	return readResponse(&c.tconn.Reader, len(req.Recipients))
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Wire format:
//
//	DELIVER <queue> <id> <dataOffset> <sender> <sendopts> <nrcpt>
//	RCPT <original> <canonical> <notify> <offset>
//	...
//	END
//
// and the response:
//
//	<status> <dsn> <text>
//	...
//	END

func writeRequest(tconn *textproto.Conn, req Request) error {
	if err := tconn.PrintfLine("DELIVER %s %s %d %s %d %d",
		req.Queue, req.ID, req.DataOffset, req.Sender, req.SendOpts, len(req.Recipients)); err != nil {
		return err
	}
	for _, r := range req.Recipients {
		if err := tconn.PrintfLine("RCPT %s %s %d %d", r.Original, r.Canonical, r.Notify, r.Offset); err != nil {
			return err
		}
	}
	return tconn.PrintfLine("END")
}

func readRequest(r *textproto.Reader) (Request, error) {
	line, err := r.ReadLine()
	if err != nil {
		return Request{}, err
	}
	fields := strings.Fields(line)
	if len(fields) != 7 || fields[0] != "DELIVER" {
		return Request{}, fmt.Errorf("delivery: malformed request header %q", line)
	}

	offset, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("delivery: bad data offset: %w", err)
	}
	sendopts, err := strconv.ParseUint(fields[5], 10, 8)
	if err != nil {
		return Request{}, fmt.Errorf("delivery: bad sendopts: %w", err)
	}
	n, err := strconv.Atoi(fields[6])
	if err != nil {
		return Request{}, fmt.Errorf("delivery: bad recipient count: %w", err)
	}

	req := Request{
		Queue:      fields[1],
		ID:         fields[2],
		DataOffset: offset,
		Sender:     fields[4],
		SendOpts:   uint8(sendopts),
	}

	for i := 0; i < n; i++ {
		line, err := r.ReadLine()
		if err != nil {
			return Request{}, err
		}
		fields := strings.Fields(line)
		if len(fields) != 5 || fields[0] != "RCPT" {
			return Request{}, fmt.Errorf("delivery: malformed recipient line %q", line)
		}
		notify, err := strconv.ParseUint(fields[3], 10, 8)
		if err != nil {
			return Request{}, fmt.Errorf("delivery: bad notify flags: %w", err)
		}
		off, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return Request{}, fmt.Errorf("delivery: bad recipient offset: %w", err)
		}
		req.Recipients = append(req.Recipients, Recipient{
			Original:  fields[1],
			Canonical: fields[2],
			Notify:    uint8(notify),
			Offset:    off,
		})
	}

	end, err := r.ReadLine()
	if err != nil {
		return Request{}, err
	}
	if end != "END" {
		return Request{}, fmt.Errorf("delivery: expected END, got %q", end)
	}

	return req, nil
}

func writeResponse(tconn *textproto.Conn, resp Response) error {
	for _, r := range resp.Results {
		text := strings.ReplaceAll(r.Text, "\n", " ")
		if err := tconn.PrintfLine("%s %s %s", r.Status, r.DSN, text); err != nil {
			return err
		}
	}
	return tconn.PrintfLine("END")
}

func readResponse(r *textproto.Reader, n int) (Response, error) {
	resp := Response{}
	for i := 0; i < n; i++ {
		line, err := r.ReadLine()
		if err != nil {
			return Response{}, err
		}
		fields := strings.SplitN(line, " ", 3)
		if len(fields) != 3 {
			return Response{}, fmt.Errorf("delivery: malformed result line %q", line)
		}
		status, err := parseStatus(fields[0])
		if err != nil {
			return Response{}, err
		}
		resp.Results = append(resp.Results, RecipientResult{
			Status: status,
			DSN:    fields[1],
			Text:   fields[2],
		})
	}
	end, err := r.ReadLine()
	if err != nil {
		return Response{}, err
	}
	if end != "END" {
		return Response{}, fmt.Errorf("delivery: expected END, got %q", end)
	}
	return resp, nil
}

func writeError(tconn *textproto.Conn, err error) {
	tconn.PrintfLine("ERROR %s", strings.ReplaceAll(err.Error(), "\n", " "))
}
