package scheduler

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"posthorn.example/posthorn/internal/delivery"
	"posthorn.example/posthorn/internal/record"
	"posthorn.example/posthorn/internal/resolve"
	"posthorn.example/posthorn/internal/rewrite"
	"posthorn.example/posthorn/internal/set"
	"posthorn.example/posthorn/internal/spool"
)

func newTestScheduler(t *testing.T, dial Dialer) *Scheduler {
	t.Helper()
	sp, err := spool.New(t.TempDir())
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	return &Scheduler{
		Spool: sp,
		Resolver: &resolve.Resolver{
			Rewriter:         &rewrite.Rewriter{Postmaster: "postmaster"},
			Locals:           set.NewString(),
			DefaultTransport: "smtp",
			LocalTransport:   "local",
			MyHostname:       "mx.example.com",
		},
		Dial:        dial,
		MaxBackoff:  time.Minute,
		GiveUpAfter: 5 * 24 * time.Hour,
		OurDomain:   "mx.example.com",
		NewBounceID: func() string { return "bounceid" },
	}
}

func writeActiveMessage(t *testing.T, sp *spool.Spool, id, from string, rcpts []string) {
	t.Helper()
	f, err := sp.Create(spool.Active, id)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	st := record.New(f)
	now := make([]byte, 8)
	binary.BigEndian.PutUint64(now, uint64(time.Now().Unix()))

	sizeOff, err := st.Append(record.TagSize, make([]byte, record.SizePayloadWidth))
	if err != nil {
		t.Fatalf("Append SIZE: %v", err)
	}
	st.Append(record.TagFrom, []byte(from))
	for _, r := range rcpts {
		st.Append(record.TagRcpt, []byte(r))
	}
	st.Append(record.TagTime, now)
	st.Append(record.TagMesg, nil)
	contentOff, err := st.Offset()
	if err != nil {
		t.Fatalf("Offset: %v", err)
	}
	content := []byte("Subject: hi\n\nbody\n")
	st.Append(record.TagContent, content)
	st.Append(record.TagXtra, nil)
	st.Append(record.TagEnd, nil)

	sf := record.SizeFields{
		MessageLen:     uint64(len(content)),
		ContentOffset:  uint64(contentOff),
		RecipientCount: uint32(len(rcpts)),
		ContentLen:     uint64(len(content)),
	}
	if err := st.RewriteAt(sizeOff, record.SizePayloadWidth, record.TagSize, sf.Encode()); err != nil {
		t.Fatalf("RewriteAt SIZE: %v", err)
	}
}

func TestBackoffGrowsWithFailures(t *testing.T) {
	short := backoff(1, time.Hour)
	long := backoff(10, time.Hour)
	// Both include up to a minute of jitter; backoff(10)'s 1024s base is
	// above backoff(1)'s 2s base plus any jitter, so the raw values compare.
	if long <= short {
		t.Errorf("backoff(10) = %v, want > backoff(1) = %v", long, short)
	}
}

func TestBackoffRespectsMax(t *testing.T) {
	d := backoff(30, 2*time.Minute)
	if d > 3*time.Minute {
		t.Errorf("backoff = %v, want capped near max+jitter", d)
	}
}

func TestDestStateConcurrencyLimit(t *testing.T) {
	d := &destState{Peak: 2, Average: 2, effectiveLimit: 2}
	if !d.tryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if !d.tryAcquire() {
		t.Fatal("second acquire should succeed")
	}
	if d.tryAcquire() {
		t.Fatal("third acquire should fail at the limit")
	}
	d.release()
	if !d.tryAcquire() {
		t.Fatal("acquire after release should succeed")
	}
}

func TestDestStateBackoffBlocksAcquire(t *testing.T) {
	d := &destState{Peak: 5, Average: 5, effectiveLimit: 5}
	d.recordFailure(time.Hour)
	if d.tryAcquire() {
		t.Fatal("acquire should be blocked until nextEligible")
	}
}

func TestGroupRecipientsBucketsByDestination(t *testing.T) {
	s := newTestScheduler(t, nil)
	recs := []record.Record{
		{Tag: record.TagFrom, Payload: []byte("sender@example.com")},
		{Tag: record.TagRcpt, Payload: []byte("a@remote1.example.net")},
		{Tag: record.TagRcpt, Payload: []byte("b@remote1.example.net")},
		{Tag: record.TagRcpt, Payload: []byte("c@remote2.example.net")},
	}
	sender, groups, pending := s.groupRecipients(context.Background(), recs)
	if sender != "sender@example.com" {
		t.Errorf("sender = %q", sender)
	}
	if len(pending) != 3 {
		t.Fatalf("len(pending) = %d, want 3", len(pending))
	}
	if len(groups) != 2 {
		t.Fatalf("len(groups) = %d, want 2 destinations", len(groups))
	}
}

func TestGroupRecipientsHonorsRecipientLimit(t *testing.T) {
	s := newTestScheduler(t, nil)
	s.RecipientLimit = 1
	recs := []record.Record{
		{Tag: record.TagFrom, Payload: []byte("sender@example.com")},
		{Tag: record.TagRcpt, Payload: []byte("a@remote.example.net")},
		{Tag: record.TagRcpt, Payload: []byte("b@remote.example.net")},
	}
	_, groups, pending := s.groupRecipients(context.Background(), recs)
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1 (limit enforced)", len(pending))
	}
	for _, g := range groups {
		if len(g) != 1 {
			t.Errorf("group size = %d, want 1", len(g))
		}
	}
}

// TestProcessDeliversAndRemoves runs a full activate-through-delivery
// cycle against a real delivery.Server, mirroring the teacher's
// TestCourier-based queue tests but over the wire protocol instead of an
// in-process courier.Courier.
func TestProcessDeliversAndRemoves(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "delivery.sock")
	srv := &delivery.Server{
		Handle: func(ctx context.Context, req delivery.Request) (delivery.Response, error) {
			var results []delivery.RecipientResult
			for range req.Recipients {
				results = append(results, delivery.RecipientResult{Status: delivery.OK, DSN: "2.0.0", Text: "delivered"})
			}
			return delivery.Response{Results: results}, nil
		},
	}
	go srv.ListenAndServe(sock)
	defer srv.Close()
	waitForDeliverySocket(t, sock)

	s := newTestScheduler(t, func(ctx context.Context, key DestKey) (*delivery.Client, error) {
		return delivery.Dial(ctx, sock)
	})

	writeActiveMessage(t, s.Spool, "msg1", "sender@example.com", []string{"rcpt@remote.example.net"})
	s.process(context.Background(), "msg1")

	if f, err := s.Spool.Open(spool.Active, "msg1", false); err == nil {
		f.Close()
		t.Error("message should have been removed from active after full delivery")
	}
}

func TestProcessDefersOnFailure(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "delivery.sock")
	srv := &delivery.Server{
		Handle: func(ctx context.Context, req delivery.Request) (delivery.Response, error) {
			var results []delivery.RecipientResult
			for range req.Recipients {
				results = append(results, delivery.RecipientResult{Status: delivery.Defer, DSN: "4.4.1", Text: "connection timed out"})
			}
			return delivery.Response{Results: results}, nil
		},
	}
	go srv.ListenAndServe(sock)
	defer srv.Close()
	waitForDeliverySocket(t, sock)

	s := newTestScheduler(t, func(ctx context.Context, key DestKey) (*delivery.Client, error) {
		return delivery.Dial(ctx, sock)
	})

	writeActiveMessage(t, s.Spool, "msg2", "sender@example.com", []string{"rcpt@remote.example.net"})
	before := time.Now()
	s.process(context.Background(), "msg2")

	if f, err := s.Spool.Open(spool.Deferred, "msg2", false); err != nil {
		t.Errorf("message should have moved to deferred, Open: %v", err)
	} else {
		f.Close()
	}

	// spec.md §4.G step 5: the deferred file's mtime must be bumped
	// forward to the earliest retry time, not left at its original
	// (much older) arrival mtime, or Enumerate would make it eligible
	// again on the very next scan regardless of backoff.
	info, err := os.Stat(s.Spool.Path(spool.Deferred, "msg2"))
	if err != nil {
		t.Fatalf("Stat deferred file: %v", err)
	}
	if !info.ModTime().After(before) {
		t.Errorf("deferred file mtime = %v, want after %v (backoff applied)", info.ModTime(), before)
	}
}

func waitForDeliverySocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := delivery.Dial(context.Background(), path)
		if err == nil {
			c.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never became available", path)
}
