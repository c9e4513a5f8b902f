package trigger

import (
	"errors"
	"os"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, string, chan Request) {
	t.Helper()
	dir, err := os.MkdirTemp("", "trigger-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	received := make(chan Request, 10)
	srv := NewServer(func(req Request) error {
		received <- req
		return nil
	})

	sock := dir + "/trigger.sock"
	go srv.ListenAndServe(sock)
	waitForSocket(t, sock)

	return srv, sock, received
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestNotifyScan(t *testing.T) {
	srv, sock, received := newTestServer(t)
	defer srv.Close()

	c := NewClient(sock)
	if err := c.Notify(Request{Kind: KindScan}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case req := <-received:
		if req.Kind != KindScan {
			t.Errorf("Kind = %v, want KindScan", req.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestNotifyETRNCarriesDomain(t *testing.T) {
	srv, sock, received := newTestServer(t)
	defer srv.Close()

	c := NewClient(sock)
	if err := c.Notify(Request{Kind: KindETRN, Domain: "example.com"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	select {
	case req := <-received:
		if req.Kind != KindETRN || req.Domain != "example.com" {
			t.Errorf("got %+v, want KindETRN for example.com", req)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestNotifyPropagatesHandlerError(t *testing.T) {
	dir, err := os.MkdirTemp("", "trigger-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	srv := NewServer(func(req Request) error {
		return errors.New("scan failed")
	})
	sock := dir + "/trigger.sock"
	go srv.ListenAndServe(sock)
	defer srv.Close()
	waitForSocket(t, sock)

	c := NewClient(sock)
	if err := c.Notify(Request{Kind: KindScan}); err == nil {
		t.Fatal("expected Notify to surface the handler's error")
	}
}
