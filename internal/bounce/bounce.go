// Package bounce implements the bounce/defer logger: a per-message map of
// the latest DSN for each recipient, and the materialization of that map
// into an RFC 3464 delivery status notification at message finalization.
//
// Grounded directly on internal/queue/dsn.go: the DSN template here is the
// teacher's dsnTemplate, generalized to read from an appendable per-message
// log instead of being built once from a finished Item, and made
// idempotent per spec.md §4.I ("re-appending a DSN for a recipient already
// logged replaces the previous entry").
package bounce

import (
	"bytes"
	"net/mail"
	"sort"
	"sync"
	"text/template"
	"time"
)

// Class distinguishes a permanent failure (Bounce) from a transient one
// still being retried (Defer).
type Class int

const (
	Bounce Class = iota
	Defer
)

// Entry is one recipient's most recent delivery-status entry.
type Entry struct {
	OriginalAddress string
	Address         string
	Class           Class
	Status          string // RFC 3463 enhanced status code, e.g. "5.1.1"
	Diagnostic      string // free-text reason, e.g. an SMTP reply
}

// Log is a per-message, append-and-replace DSN log.
type Log struct {
	mu      sync.Mutex
	entries map[string]Entry // keyed by OriginalAddress
	order   []string         // insertion order, for stable materialization
}

// NewLog creates an empty bounce/defer log for one message.
func NewLog() *Log {
	return &Log{entries: map[string]Entry{}}
}

// Append records (or replaces) the DSN entry for e.OriginalAddress.
// Idempotent: a later Append for the same address replaces the earlier
// entry rather than accumulating duplicates.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.entries[e.OriginalAddress]; !exists {
		l.order = append(l.order, e.OriginalAddress)
	}
	l.entries[e.OriginalAddress] = e
}

// Entries returns a stable-ordered snapshot of the log's current entries.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.order))
	for _, addr := range l.order {
		out = append(out, l.entries[addr])
	}
	return out
}

// Info is the data Materialize feeds into dsnTemplate.
type Info struct {
	OurDomain         string
	Destination       string // envelope sender of the original message
	MessageID         string
	Date              string
	OriginalMessageID string
	OriginalMessage   string
	Boundary          string

	FailedTo          []string
	FailedRecipients  []Entry
	PendingRecipients []Entry
}

// NewID generates correlation IDs for DSN Message-IDs and MIME boundaries.
// The scheduler injects its own generator (in posthornd, backed by
// github.com/google/uuid) so bounce stays free of an ID-generation policy
// of its own.
type NewID func() string

// Materialize builds the RFC 3464 notification message for a log,
// addressed to destination (the original sender, or a double-bounce
// address when the sender was empty), truncating origMessage to
// maxOrigMsgLen bytes exactly as the teacher does.
func Materialize(log *Log, ourDomain, destination string, origMessage []byte, newID NewID) ([]byte, error) {
	const maxOrigMsgLen = 256 * 1024

	info := Info{
		OurDomain:   ourDomain,
		Destination: destination,
		MessageID:   "posthorn-dsn-" + newID() + "@" + ourDomain,
		Date:        time.Now().Format(time.RFC1123Z),
		Boundary:    newID(),
	}

	for _, e := range log.Entries() {
		info.FailedTo = append(info.FailedTo, e.OriginalAddress)
		switch e.Class {
		case Bounce:
			info.FailedRecipients = append(info.FailedRecipients, e)
		case Defer:
			info.PendingRecipients = append(info.PendingRecipients, e)
		}
	}
	sort.Strings(info.FailedTo)

	if len(origMessage) > maxOrigMsgLen {
		info.OriginalMessage = string(origMessage[:maxOrigMsgLen])
	} else {
		info.OriginalMessage = string(origMessage)
	}
	info.OriginalMessageID = messageIDOf(origMessage)

	buf := &bytes.Buffer{}
	if err := dsnTemplate.Execute(buf, info); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func messageIDOf(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}

var dsnTemplate = template.Must(template.New("dsn").Parse(
	`From: Mail Delivery System <postmaster-dsn@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
X-Failed-Recipients: {{range .FailedTo}}{{.}}, {{end}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline
Content-Description: Notification
Content-Transfer-Encoding: 8bit

Delivery of your message to the following recipient(s) failed:

  {{range .FailedTo -}} - {{.}}
  {{- end}}

Technical details:
{{- range .FailedRecipients}}
- "{{.Address}}" failed permanently with error:
    {{.Diagnostic}}
{{- end}}
{{- range .PendingRecipients}}
- "{{.Address}}" failed repeatedly and timed out, last error:
    {{.Diagnostic}}
{{- end}}


--{{.Boundary}}
Content-Type: message/global-delivery-status
Content-Description: Delivery Report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.OurDomain}}

{{range .FailedRecipients -}}
Original-Recipient: utf-8; {{.OriginalAddress}}
Final-Recipient: utf-8; {{.Address}}
Action: failed
Status: {{.Status}}
Diagnostic-Code: smtp; {{.Diagnostic}}
{{end}}
{{range .PendingRecipients -}}
Original-Recipient: utf-8; {{.OriginalAddress}}
Final-Recipient: utf-8; {{.Address}}
Action: delayed
Status: {{.Status}}
Diagnostic-Code: smtp; {{.Diagnostic}}
{{end}}

--{{.Boundary}}--
`))
