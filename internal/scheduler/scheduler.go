// Package scheduler implements the queue manager spec.md §4.G describes:
// scanning incoming/deferred, grouping recipients by (transport, nexthop),
// dispatching delivery requests, and deciding each message's next queue on
// the way back.
//
// It generalizes internal/queue/queue.go's single-process Queue/Item/
// SendLoop model to multi-destination, adaptive-concurrency scheduling
// dispatching through internal/delivery instead of an in-process
// courier.Courier call; nextDelay's backoff shape is kept, bounded and
// jittered per destination instead of per item.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"posthorn.example/posthorn/internal/bounce"
	"posthorn.example/posthorn/internal/delivery"
	"posthorn.example/posthorn/internal/maillog"
	"posthorn.example/posthorn/internal/record"
	"posthorn.example/posthorn/internal/resolve"
	"posthorn.example/posthorn/internal/spool"
	"posthorn.example/posthorn/internal/trace"
)

// DestKey identifies one delivery destination.
type DestKey struct {
	Transport string
	Nexthop   string
}

// Dialer returns a delivery.Client for a destination, reused across
// batches for the same key per spec.md §4.H.
type Dialer func(ctx context.Context, key DestKey) (*delivery.Client, error)

// Scheduler owns the periodic scan loop and per-destination adaptive
// concurrency state.
type Scheduler struct {
	Spool    *spool.Spool
	Resolver *resolve.Resolver
	Dial     Dialer

	ActiveQueueSize int
	RecipientLimit  int
	MaxBackoff      time.Duration
	GiveUpAfter     time.Duration
	SamplerInterval time.Duration

	// OurDomain and NewBounceID parameterize DSN generation per spec.md
	// §4.I; NewBounceID is injected (in posthornd, backed by
	// github.com/google/uuid) and names both the DSN's Message-ID/boundary
	// and the queue file the bounce is written to.
	OurDomain   string
	NewBounceID func() string

	// Tokens is the flow-control channel posthornd creates, prefills and
	// also hands to the supervisor. The scheduler neither takes nor returns
	// tokens, and no producer in this module consumes them, so it does not
	// throttle admission of new messages.
	Tokens chan struct{}

	mu    sync.Mutex
	dests map[DestKey]*destState
}

// destState is the adaptive concurrency and backoff state for one
// destination.
type destState struct {
	mu sync.Mutex

	Peak    int
	Average int

	concurrent     int
	smoothedLoad   float64
	effectiveLimit int

	failures     int
	nextEligible time.Time
}

func (s *Scheduler) destFor(key DestKey) *destState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dests == nil {
		s.dests = map[DestKey]*destState{}
	}
	d, ok := s.dests[key]
	if !ok {
		d = &destState{Peak: 20, Average: 10, effectiveLimit: 10}
		s.dests[key] = d
	}
	return d
}

// RunSampler periodically smooths each destination's concurrency into a
// moving average and decays the effective limit from Peak toward Average
// as load approaches the average, per spec.md §4.G's adaptive-concurrency
// paragraph. It runs until ctx is done.
func (s *Scheduler) RunSampler(ctx context.Context) {
	interval := s.SamplerInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			dests := make([]*destState, 0, len(s.dests))
			for _, d := range s.dests {
				dests = append(dests, d)
			}
			s.mu.Unlock()

			for _, d := range dests {
				d.sample()
			}
		}
	}
}

func (d *destState) sample() {
	d.mu.Lock()
	defer d.mu.Unlock()

	const smoothing = 0.3
	d.smoothedLoad = d.smoothedLoad*(1-smoothing) + float64(d.concurrent)*smoothing

	if d.Peak == d.Average {
		d.effectiveLimit = d.Peak
		return
	}

	// Decay linearly from Peak toward Average as smoothed load approaches
	// Average.
	ratio := d.smoothedLoad / float64(d.Average)
	if ratio > 1 {
		ratio = 1
	}
	d.effectiveLimit = d.Peak - int(ratio*float64(d.Peak-d.Average))
	if d.effectiveLimit < d.Average {
		d.effectiveLimit = d.Average
	}
}

func (d *destState) tryAcquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Now().Before(d.nextEligible) {
		return false
	}
	if d.concurrent >= d.effectiveLimit {
		return false
	}
	d.concurrent++
	return true
}

func (d *destState) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.concurrent--
}

func (d *destState) recordFailure(maxBackoff time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures++
	d.nextEligible = time.Now().Add(backoff(d.failures, maxBackoff))
}

func (d *destState) recordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = 0
}

// nextRetry returns the destination's current next-eligible time, so a
// caller deferring a message can bump the queue file's mtime forward by
// the same amount, per spec.md §4.G step 5.
func (d *destState) nextRetry() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextEligible
}

// backoff computes an exponentially growing, jittered delay, generalizing
// internal/queue/queue.go's nextDelay (which steps 1m/5m/10m/20m by
// elapsed time) into a per-failure exponential with the same style of
// random perturbation so retries from a restart don't all land at once.
func backoff(failures int, max time.Duration) time.Duration {
	if max <= 0 {
		max = 4 * time.Hour
	}
	d := time.Duration(1<<uint(min(failures, 20))) * time.Second
	if d > max {
		d = max
	}
	d += time.Duration(rand.Int63n(int64(60 * time.Second)))
	return d
}

// ScanOnce scans incoming and deferred for candidate messages whose time
// has come, promotes up to ActiveQueueSize of them to active, and
// processes each.
func (s *Scheduler) ScanOnce(ctx context.Context) error {
	tr := trace.New("scheduler.ScanOnce", "")
	defer tr.Finish()

	var candidates []string
	for _, q := range []string{spool.Incoming, spool.Deferred} {
		ids, err := s.Spool.Enumerate(ctx, q, time.Now())
		if err != nil {
			tr.Errorf("enumerate %s: %v", q, err)
			continue
		}
		for _, id := range ids {
			if s.ActiveQueueSize > 0 && len(candidates) >= s.ActiveQueueSize {
				break
			}
			candidates = append(candidates, id)
		}
	}

	for _, id := range candidates {
		if err := s.activate(ctx, id); err != nil {
			tr.Errorf("activate %s: %v", id, err)
		}
	}
	return nil
}

func (s *Scheduler) activate(ctx context.Context, id string) error {
	for _, from := range []string{spool.Incoming, spool.Deferred} {
		if err := s.Spool.Move(from, spool.Active, id); err == nil {
			go s.process(context.Background(), id)
			return nil
		}
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, id string) {
	tr := trace.New("scheduler.process", id)
	defer tr.Finish()

	f, err := s.Spool.Open(spool.Active, id, true)
	if err != nil {
		tr.Errorf("open: %v", err)
		return
	}
	defer f.Close()

	st := record.New(f)
	it, err := st.Iterate(0)
	if err != nil {
		tr.Errorf("iterate: %v", err)
		return
	}
	recs, err := it.All()
	if err != nil {
		tr.Errorf("read records: %v", err)
		return
	}

	sender, groups, pending := s.groupRecipients(ctx, recs)
	if len(pending) == 0 {
		s.Spool.Remove(spool.Active, id)
		return
	}

	sf, err := sizeFieldsOf(recs)
	if err != nil {
		tr.Errorf("decode SIZE: %v", err)
		return
	}

	bounceLog := bounce.NewLog()
	var deferred []record.Record
	var retryAt time.Time
	for key, group := range groups {
		group, at := s.dispatchGroup(ctx, st, id, sender, sf, key, group, bounceLog)
		deferred = append(deferred, group...)
		if !at.IsZero() && (retryAt.IsZero() || at.Before(retryAt)) {
			retryAt = at
		}
	}

	if len(deferred) > 0 && !s.pastGiveUp(recs) {
		s.Spool.Move(spool.Active, spool.Deferred, id)
		if !retryAt.IsZero() {
			maillog.QueueLoop(id, sender, time.Until(retryAt))
			// Earliest retry time across this round's deferred
			// destinations, per spec.md §4.G step 5: "set file mtime to
			// the earliest retry time so the next scan picks it up at
			// the right moment". Enumerate (internal/spool) selects on
			// mtime, so without this a deferred file would be
			// immediately re-eligible regardless of backoff.
			s.Spool.SetRetryTime(spool.Deferred, id, retryAt)
		}
		return
	}

	if len(deferred) > 0 {
		// Past GiveUpAfter: whatever is still unresolved becomes a
		// permanent bounce instead of another deferred round, per
		// spec.md's queue lifetime bound.
		for _, rcpt := range deferred {
			st.RewriteAt(rcpt.Offset, len(rcpt.Payload), record.TagDone, rcpt.Payload)
			bounceLog.Append(bounce.Entry{
				OriginalAddress: string(rcpt.Payload),
				Address:         string(rcpt.Payload),
				Class:           bounce.Bounce,
				Status:          "4.4.7",
				Diagnostic:      "delivery timed out after repeated transient failures",
			})
		}
	}

	if entries := bounceLog.Entries(); len(entries) > 0 {
		s.sendBounce(ctx, sender, recs, bounceLog)
	}
	s.Spool.Remove(spool.Active, id)
}

// sendBounce materializes a DSN for log's entries and injects it as a new
// incoming message addressed to the original sender, per spec.md §4.I. A
// bounce to an already-empty sender (a double bounce) is dropped, neither
// requeued nor logged, to avoid a bounce-loop; no notification is sent to a
// double-bounce address.
func (s *Scheduler) sendBounce(ctx context.Context, sender string, recs []record.Record, log *bounce.Log) {
	if sender == "" {
		return
	}

	var body bytes.Buffer
	for _, r := range recs {
		if r.Tag == record.TagContent {
			body.Write(r.Payload)
		}
	}

	newID := s.NewBounceID
	if newID == nil {
		newID = func() string { return "" }
	}

	dsn, err := bounce.Materialize(log, s.OurDomain, sender, body.Bytes(), bounce.NewID(newID))
	if err != nil {
		return
	}

	id := newID()
	f, err := s.Spool.Create(spool.Incoming, id)
	if err != nil {
		return
	}
	defer f.Close()

	st := record.New(f)
	sizeOff, err := st.Append(record.TagSize, make([]byte, record.SizePayloadWidth))
	if err != nil {
		return
	}
	st.Append(record.TagFrom, []byte(""))
	st.Append(record.TagRcpt, []byte(sender))
	st.Append(record.TagMesg, nil)
	contentOff, _ := st.Offset()
	st.Append(record.TagContent, dsn)
	st.Append(record.TagXtra, nil)
	st.Append(record.TagEnd, nil)

	sf := record.SizeFields{
		MessageLen:     uint64(len(dsn)),
		ContentOffset:  uint64(contentOff),
		RecipientCount: 1,
		ContentLen:     uint64(len(dsn)),
	}
	st.RewriteAt(sizeOff, record.SizePayloadWidth, record.TagSize, sf.Encode())
}

// pastGiveUp reports whether recs' TIME record shows the message has been
// in the queue longer than GiveUpAfter, generalizing internal/queue/
// queue.go's SendLoop condition (time.Since(item.CreatedAt) < GiveUpAfter).
func (s *Scheduler) pastGiveUp(recs []record.Record) bool {
	if s.GiveUpAfter <= 0 {
		return false
	}
	for _, r := range recs {
		if r.Tag == record.TagTime && len(r.Payload) == 8 {
			arrival := time.Unix(int64(beUint64(r.Payload)), 0)
			return time.Since(arrival) >= s.GiveUpAfter
		}
	}
	return false
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// groupRecipients resolves each RCPT record's destination and buckets
// them by DestKey, honoring RecipientLimit per spec.md §4.G step 2.
func (s *Scheduler) groupRecipients(ctx context.Context, recs []record.Record) (string, map[DestKey][]record.Record, []record.Record) {
	var sender string
	groups := map[DestKey][]record.Record{}
	var pending []record.Record

	for _, r := range recs {
		switch r.Tag {
		case record.TagFrom:
			sender = string(r.Payload)
		case record.TagRcpt:
			res, err := s.Resolver.Resolve(ctx, string(r.Payload))
			if err != nil {
				continue
			}
			key := DestKey{Transport: res.Transport, Nexthop: res.Nexthop}
			if s.RecipientLimit > 0 && len(groups[key]) >= s.RecipientLimit {
				continue
			}
			groups[key] = append(groups[key], r)
			pending = append(pending, r)
		}
	}
	return sender, groups, pending
}

// dispatchGroup sends one destination's recipient batch and patches each
// settled RCPT record to DONE in place, per spec.md §4.G step 4 (DONE must
// be visible before the in-flight count for the destination is
// decremented, which defer/release below preserves since the RewriteAt
// calls happen before d.release runs). It returns the recipients that are
// still outstanding after this attempt (deferred, or never dispatched
// because the destination was over its concurrency limit or unreachable),
// and the destination's next-eligible time so the caller can bump the
// deferred queue file's mtime forward by the same backoff.
func (s *Scheduler) dispatchGroup(ctx context.Context, st *record.Stream, id, sender string, sf record.SizeFields, key DestKey, group []record.Record, bounceLog *bounce.Log) ([]record.Record, time.Time) {
	d := s.destFor(key)
	if !d.tryAcquire() {
		return group, d.nextRetry()
	}
	defer d.release()

	client, err := s.Dial(ctx, key)
	if err != nil {
		d.recordFailure(s.MaxBackoff)
		return group, d.nextRetry()
	}
	defer client.Close()

	req := delivery.Request{
		Queue:      spool.Active,
		ID:         id,
		Sender:     sender,
		DataOffset: int64(sf.ContentOffset),
		SendOpts:   uint8(sf.Sendopts),
	}
	for _, r := range group {
		req.Recipients = append(req.Recipients, delivery.Recipient{
			Original:  string(r.Payload),
			Canonical: string(r.Payload),
			Offset:    r.Offset,
		})
	}

	resp, err := client.Deliver(ctx, req, 5*time.Minute)
	if err != nil {
		d.recordFailure(s.MaxBackoff)
		for _, r := range group {
			maillog.SendAttempt(id, sender, string(r.Payload), err, false)
		}
		return group, d.nextRetry()
	}

	var deferred []record.Record
	for i, res := range resp.Results {
		if i >= len(group) {
			break
		}
		rcpt := group[i]
		switch res.Status {
		case delivery.OK:
			st.RewriteAt(rcpt.Offset, len(rcpt.Payload), record.TagDone, rcpt.Payload)
			maillog.SendAttempt(id, sender, string(rcpt.Payload), nil, false)
			d.recordSuccess()
		case delivery.Defer:
			d.recordFailure(s.MaxBackoff)
			maillog.SendAttempt(id, sender, string(rcpt.Payload), errDeferred(res.Text), false)
			bounceLog.Append(bounce.Entry{
				OriginalAddress: string(rcpt.Payload),
				Address:         string(rcpt.Payload),
				Class:           bounce.Defer,
				Status:          res.DSN,
				Diagnostic:      res.Text,
			})
			deferred = append(deferred, rcpt)
		case delivery.BounceStatus:
			st.RewriteAt(rcpt.Offset, len(rcpt.Payload), record.TagDone, rcpt.Payload)
			maillog.SendAttempt(id, sender, string(rcpt.Payload), errDeferred(res.Text), true)
			bounceLog.Append(bounce.Entry{
				OriginalAddress: string(rcpt.Payload),
				Address:         string(rcpt.Payload),
				Class:           bounce.Bounce,
				Status:          res.DSN,
				Diagnostic:      res.Text,
			})
		}
	}
	return deferred, d.nextRetry()
}

// sizeFieldsOf decodes the SIZE record among recs (spec.md §3: "every
// queue file begins with SIZE"), so dispatchGroup can carry the message's
// true content offset and sendopts bitmask into the delivery request, per
// spec.md §4.G step 3 ("offset hints") and §4.H/§3 ("message content
// offset", "sendopts bitmask").
func sizeFieldsOf(recs []record.Record) (record.SizeFields, error) {
	if len(recs) == 0 || recs[0].Tag != record.TagSize {
		return record.SizeFields{}, fmt.Errorf("scheduler: expected SIZE record first, got %d records", len(recs))
	}
	return record.DecodeSizeFields(recs[0].Payload)
}

// errDeferred wraps a delivery response's text field as an error for
// maillog, which otherwise only takes success/failure plus a bool.
type errDeferred string

func (e errDeferred) Error() string { return string(e) }
