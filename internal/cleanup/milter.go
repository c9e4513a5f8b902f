package cleanup

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"time"

	"github.com/emersion/go-message/textproto"
	milter "github.com/emersion/go-milter"
)

// EmersionMilter is a MilterHook backed by github.com/emersion/go-milter,
// grounded on foxcpp-maddy's internal/check/milter/milter.go: the same
// NewClientWithOptions dial, per-message Session, and Mail/Rcpt/Header/
// BodyReadFrom/End call sequence, with the resulting milter.Action codes
// mapped onto cleanup's Flags instead of maddy's module.CheckResult.
type EmersionMilter struct {
	cl *milter.Client
}

// NewEmersionMilter dials (lazily, per-session) the milter listening on
// network/address.
func NewEmersionMilter(network, address string) *EmersionMilter {
	return &EmersionMilter{
		cl: milter.NewClientWithOptions(network, address, milter.ClientOptions{
			Dialer: &net.Dialer{
				Timeout: 10 * time.Second,
			},
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			ActionMask:   milter.OptAddHeader | milter.OptQuarantine,
			ProtocolMask: 0,
		}),
	}
}

// Check implements MilterHook.
func (m *EmersionMilter) Check(ctx context.Context, from string, rcpts []string, header, body []byte) (MilterResult, error) {
	session, err := m.cl.Session()
	if err != nil {
		return MilterResult{}, err
	}
	defer session.Close()

	act, err := session.Mail(from, nil)
	if err != nil {
		return MilterResult{}, err
	}
	if res, done := actionResult(act); done {
		return res, nil
	}

	for _, rcpt := range rcpts {
		act, err = session.Rcpt(rcpt, nil)
		if err != nil {
			return MilterResult{}, err
		}
		if res, done := actionResult(act); done {
			return res, nil
		}
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(newHeaderReader(header)))
	if err != nil {
		return MilterResult{}, err
	}
	act, err = session.Header(hdr)
	if err != nil {
		return MilterResult{}, err
	}
	if res, done := actionResult(act); done {
		return res, nil
	}

	modifyActs, act, err := session.BodyReadFrom(bytes.NewReader(body))
	if err != nil {
		return MilterResult{}, err
	}

	result, _ := actionResult(act)
	for _, ma := range modifyActs {
		if ma.Code == milter.ActAddHeader || ma.Code == milter.ActInsertHeader {
			result.AddedHeaders = append(result.AddedHeaders, [2]string{ma.HeaderName, ma.HeaderValue})
		}
		if ma.Code == milter.ActQuarantine {
			result.Quarantine = true
		}
	}
	return result, nil
}

func actionResult(act *milter.Action) (MilterResult, bool) {
	switch act.Code {
	case milter.ActAccept:
		return MilterResult{Accept: true}, true
	case milter.ActContinue:
		return MilterResult{}, false
	case milter.ActReplyCode, milter.ActReject:
		return MilterResult{Reject: true}, true
	case milter.ActTempFail, milter.ActDiscard:
		return MilterResult{TempFail: true}, true
	default:
		return MilterResult{}, false
	}
}

func newHeaderReader(b []byte) *bytes.Reader {
	if len(b) == 0 || b[len(b)-1] != '\n' {
		b = append(append([]byte{}, b...), '\n', '\n')
	}
	return bytes.NewReader(b)
}
