// Package cleanup implements the cleanup state machine: the first stage
// a submitted message passes through, turning raw envelope+message input
// into a validated queue file under internal/spool.
//
// The dispatch-on-tag, gated-by-current-state structure is grounded on
// internal/smtpsrv/conn.go's command dispatch loop (a switch on the
// current SMTP state, rejecting commands out of order) generalized here
// to dispatch on record.Tag instead of an SMTP verb. Always-BCC and
// recipient-loop prevention reuse internal/dedup, generalizing the same
// recursion-limit idea internal/aliases already applies to alias
// expansion.
package cleanup

import (
	"context"
	"fmt"
	"io"
	"time"

	"posthorn.example/posthorn/internal/dedup"
	"posthorn.example/posthorn/internal/record"
	"posthorn.example/posthorn/internal/rewrite"
)

// State is a position in the cleanup state machine.
type State int

const (
	StateOpen State = iota
	StateEnvelope
	StateMessage
	StateExtracted
	StateClose
	StateBounce
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateEnvelope:
		return "ENVELOPE"
	case StateMessage:
		return "MESSAGE"
	case StateExtracted:
		return "EXTRACTED"
	case StateClose:
		return "CLOSE"
	case StateBounce:
		return "BOUNCE"
	default:
		return "UNKNOWN"
	}
}

// Flags is the cumulative error bitmask spec.md §4.E describes.
type Flags uint32

const (
	FlagBadStructure Flags = 1 << iota
	FlagSizeOverflow
	FlagHeaderOverflow
	FlagWriteError
	FlagMilterReject
	FlagHoldRequested
	FlagDiscardRequested
	FlagBounceRequired
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Disposition is the final outcome of processing a message.
type Disposition int

const (
	DispositionAccept Disposition = iota
	DispositionHold
	DispositionDiscard
	DispositionBounce
	DispositionAbort
)

// Recipient is one recipient accumulated during processing.
type Recipient struct {
	Original  string
	Canonical string
	Notify    uint8
	Offset    int64 // offset of its RCPT (or DONE-patched) record in out
}

// MilterResult is the normalized outcome of a milter callback, independent
// of the milter wire protocol itself (see milter.go for the
// github.com/emersion/go-milter-backed implementation of MilterHook).
type MilterResult struct {
	Accept       bool
	Reject       bool
	TempFail     bool
	Quarantine   bool
	AddedHeaders [][2]string
}

// MilterHook is called once per message, in the MESSAGE state, with the
// full header and body.
type MilterHook interface {
	Check(ctx context.Context, from string, rcpts []string, header, body []byte) (MilterResult, error)
}

// Pipeline holds the configuration shared across Process calls.
type Pipeline struct {
	SenderRewriter    *rewrite.Rewriter
	RecipientRewriter *rewrite.Rewriter

	Dedup *dedup.Filter

	Milter MilterHook

	MaxHeaderBytes int64
	MaxBodyBytes   int64

	AlwaysBCC string

	// DefaultWarnAfter is synthesized as the warning deadline when none was
	// supplied on the envelope, per spec.md §4.E.
	DefaultWarnAfter time.Duration

	MyHostname string
}

// Result is the outcome of running Process over one message.
type Result struct {
	Flags       Flags
	Disposition Disposition
	Sender      string
	Recipients  []Recipient
	SizeOffset  int64
	SizeFields  record.SizeFields
	ErrorText   string
}

// Process reads in from the beginning, validates and rewrites it record by
// record according to the current state, and writes the cleaned records to
// out. On END without errors, the SIZE record at the start of out is
// patched with final sizes via out.RewriteAt, matching spec.md §4.E:
// "rewrite the SIZE record with final sizes and sendopts".
func (p *Pipeline) Process(ctx context.Context, in *record.Stream, out *record.Stream) (Result, error) {
	it, err := in.Iterate(0)
	if err != nil {
		return Result{}, err
	}

	st := &procState{
		pipeline: p,
		state:    StateOpen,
		out:      out,
	}

	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err == record.ErrCorrupt {
			st.flags |= FlagBadStructure
			break
		}
		if err != nil {
			return Result{}, err
		}

		if err := st.dispatch(ctx, rec); err != nil {
			return Result{}, err
		}
		if st.state == StateClose || st.state == StateBounce {
			break
		}
	}

	return st.finish(ctx)
}

// procState is the mutable state threaded through one Process call.
type procState struct {
	pipeline *Pipeline
	state    State
	out      *record.Stream

	flags Flags

	sizeOffset     int64
	contentOffset  int64
	sizeSeen       bool
	sender         string
	senderSeen     bool
	arrival        time.Time
	arrivalSeen    bool
	warnDeadline   time.Duration
	recipients     []Recipient
	representative string

	headerBuf []byte
	bodyBuf   []byte
	inMessage bool

	sendopts record.SendOpts
}

func (s *procState) dispatch(ctx context.Context, rec record.Record) error {
	switch s.state {
	case StateOpen:
		return s.handleOpen(rec)
	case StateEnvelope:
		return s.handleEnvelope(ctx, rec)
	case StateMessage:
		return s.handleMessage(ctx, rec)
	case StateExtracted:
		return s.handleExtracted(ctx, rec)
	default:
		return nil
	}
}

func (s *procState) handleOpen(rec record.Record) error {
	if !s.sizeSeen {
		off, err := s.out.Append(record.TagSize, make([]byte, record.SizePayloadWidth))
		if err != nil {
			s.flags |= FlagWriteError
			return err
		}
		s.sizeOffset = off
		s.sizeSeen = true
		s.state = StateEnvelope
	}
	return s.handleEnvelope(context.Background(), rec)
}

func (s *procState) handleEnvelope(ctx context.Context, rec record.Record) error {
	switch rec.Tag {
	case record.TagFrom:
		res, err := s.pipeline.SenderRewriter.Canonicalize(ctx, string(rec.Payload), rewrite.Options{IsSender: true})
		if err != nil {
			s.flags |= FlagBadStructure
			return nil
		}
		s.sender = res.Address
		s.senderSeen = true
		if _, err := s.out.Append(record.TagFrom, []byte(res.Address)); err != nil {
			s.flags |= FlagWriteError
			return err
		}
	case record.TagRcpt:
		if !s.senderSeen {
			s.flags |= FlagBadStructure
			return nil
		}
		if err := s.appendRecipient(ctx, string(rec.Payload)); err != nil {
			return err
		}
	case record.TagTime:
		s.arrival = time.Unix(int64(beUint64(rec.Payload)), 0)
		s.arrivalSeen = true
		if _, err := s.out.Append(record.TagTime, rec.Payload); err != nil {
			s.flags |= FlagWriteError
			return err
		}
	case record.TagWarn:
		d := int64(beUint64(rec.Payload))
		if d < 0 {
			s.flags |= FlagBadStructure
			return nil
		}
		s.warnDeadline = time.Duration(d)
		if _, err := s.out.Append(record.TagWarn, rec.Payload); err != nil {
			s.flags |= FlagWriteError
			return err
		}
	case record.TagMesg:
		if !s.senderSeen || !s.arrivalSeen {
			s.flags |= FlagBadStructure
			return nil
		}
		if s.warnDeadline == 0 && s.pipeline.DefaultWarnAfter > 0 {
			s.warnDeadline = s.pipeline.DefaultWarnAfter
		}
		s.state = StateMessage
		if _, err := s.out.Append(record.TagMesg, nil); err != nil {
			s.flags |= FlagWriteError
			return err
		}
		// The first content record (if any) starts right where the MESG
		// marker ends; record.SizeFields.ContentOffset is defined as that
		// byte offset, not the SIZE record's own offset.
		off, err := s.out.Offset()
		if err != nil {
			s.flags |= FlagWriteError
			return err
		}
		s.contentOffset = off
	default:
		// Unknown envelope tag: mark bad, keep scanning so the whole input
		// drains, per spec.md §4.E.
		s.flags |= FlagBadStructure
	}
	return nil
}

func (s *procState) appendRecipient(ctx context.Context, addr string) error {
	res, err := s.pipeline.RecipientRewriter.Canonicalize(ctx, addr, rewrite.Options{IsSender: false})
	if err != nil {
		s.flags |= FlagBadStructure
		return nil
	}

	if s.pipeline.Dedup != nil && !s.pipeline.Dedup.CheckAndInsert(res.Address) {
		// Already seen this recipient for this message; drop silently.
		return nil
	}

	if s.representative == "" {
		s.representative = res.Address
	}

	off, err := s.out.Append(record.TagRcpt, []byte(res.Address))
	if err != nil {
		s.flags |= FlagWriteError
		return err
	}
	s.recipients = append(s.recipients, Recipient{Original: addr, Canonical: res.Address, Offset: off})
	return nil
}

func (s *procState) handleMessage(ctx context.Context, rec record.Record) error {
	switch rec.Tag {
	case record.TagContent:
		if !s.inMessage {
			s.inMessage = true
		}
		if s.headerDone() {
			s.bodyBuf = append(s.bodyBuf, rec.Payload...)
			if s.pipeline.MaxBodyBytes > 0 && int64(len(s.bodyBuf)) > s.pipeline.MaxBodyBytes {
				s.flags |= FlagSizeOverflow
			}
		} else {
			s.headerBuf = append(s.headerBuf, rec.Payload...)
			if s.pipeline.MaxHeaderBytes > 0 && int64(len(s.headerBuf)) > s.pipeline.MaxHeaderBytes {
				s.flags |= FlagHeaderOverflow
			}
		}
		if _, err := s.out.Append(record.TagContent, rec.Payload); err != nil {
			s.flags |= FlagWriteError
			return err
		}
	case record.TagXtra:
		if s.pipeline.Milter != nil {
			if err := s.runMilter(ctx); err != nil {
				return err
			}
		}
		s.state = StateExtracted
		if _, err := s.out.Append(record.TagXtra, nil); err != nil {
			s.flags |= FlagWriteError
			return err
		}
	default:
		s.flags |= FlagBadStructure
	}
	return nil
}

// headerDone reports whether the header/body boundary (a blank line) has
// been seen in headerBuf.
func (s *procState) headerDone() bool {
	for i := 0; i+1 < len(s.headerBuf); i++ {
		if s.headerBuf[i] == '\n' && s.headerBuf[i+1] == '\n' {
			return true
		}
	}
	return false
}

func (s *procState) runMilter(ctx context.Context) error {
	rcpts := make([]string, len(s.recipients))
	for i, r := range s.recipients {
		rcpts[i] = r.Canonical
	}

	res, err := s.pipeline.Milter.Check(ctx, s.sender, rcpts, s.headerBuf, s.bodyBuf)
	if err != nil {
		s.flags |= FlagMilterReject
		return nil
	}
	switch {
	case res.Reject, res.TempFail:
		s.flags |= FlagMilterReject
	case res.Quarantine:
		s.flags |= FlagHoldRequested
	}
	return nil
}

func (s *procState) handleExtracted(ctx context.Context, rec record.Record) error {
	switch rec.Tag {
	case record.TagRcpt, record.TagOrigRcpt:
		if err := s.appendRecipient(ctx, string(rec.Payload)); err != nil {
			return err
		}
	case record.TagEnd:
		if s.pipeline.AlwaysBCC != "" {
			if err := s.appendRecipient(ctx, s.pipeline.AlwaysBCC); err != nil {
				return err
			}
		}
		s.state = StateClose
		if _, err := s.out.Append(record.TagEnd, nil); err != nil {
			s.flags |= FlagWriteError
			return err
		}
	default:
		s.flags |= FlagBadStructure
	}
	return nil
}

func (s *procState) finish(ctx context.Context) (Result, error) {
	res := Result{
		Flags:      s.flags,
		Sender:     s.sender,
		Recipients: s.recipients,
		SizeOffset: s.sizeOffset,
	}

	switch {
	case s.flags.Has(FlagWriteError) || s.flags.Has(FlagBadStructure):
		res.Disposition = DispositionAbort
		return res, nil
	case s.flags.Has(FlagDiscardRequested):
		res.Disposition = DispositionDiscard
		return res, nil
	case s.flags.Has(FlagHoldRequested):
		res.Disposition = DispositionHold
		return res, nil
	case s.flags.Has(FlagMilterReject) || s.flags.Has(FlagSizeOverflow) || s.flags.Has(FlagHeaderOverflow):
		res.Disposition = DispositionBounce
		res.Flags |= FlagBounceRequired
		return res, nil
	}

	sf := record.SizeFields{
		MessageLen:     uint64(len(s.headerBuf) + len(s.bodyBuf)),
		ContentOffset:  uint64(s.contentOffset),
		RecipientCount: uint32(len(s.recipients)),
		ContentLen:     uint64(len(s.headerBuf) + len(s.bodyBuf)),
		Sendopts:       s.sendopts,
	}
	if err := s.out.RewriteAt(s.sizeOffset, record.SizePayloadWidth, record.TagSize, sf.Encode()); err != nil {
		res.Disposition = DispositionAbort
		res.Flags |= FlagWriteError
		return res, fmt.Errorf("cleanup: patching SIZE record: %w", err)
	}

	res.SizeFields = sf
	res.Disposition = DispositionAccept
	return res, nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
