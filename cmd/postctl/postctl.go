// postctl is the posthorn admin command-line tool: enqueue a message from
// a file, list queued items, flush a destination, hold or release a queue
// ID, and ask a running posthornd to reload its configuration.
//
// Grounded on cmd/chasquid-util/chasquid-util.go's shape: a hand-rolled
// parseArgs flag parser, a commands map keyed by subcommand name, and
// Fatalf/Warnf helpers, generalized from chasquid-util's userdb/aliases
// operations to posthorn's spool/scheduler/trigger operations.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"posthorn.example/posthorn/internal/cleanup"
	"posthorn.example/posthorn/internal/config"
	"posthorn.example/posthorn/internal/dedup"
	"posthorn.example/posthorn/internal/record"
	"posthorn.example/posthorn/internal/rewrite"
	"posthorn.example/posthorn/internal/spool"
	"posthorn.example/posthorn/internal/trigger"
)

// Usage to show users on --help or invocation errors.
const usage = `
Usage:
  postctl [options] enqueue <from> <rcpt>[,<rcpt>...] <message-file>
    Run a message through the cleanup pipeline and queue it for delivery.
  postctl [options] queue-list [<queue>]
    List items in one queue (default: all queues).
  postctl [options] queue-hold <id>
    Move a queued item to the hold queue.
  postctl [options] queue-release <id>
    Move a held item back to active.
  postctl [options] flush [<domain>]
    Ask the running posthornd to scan the queue now. With a domain, the
    request is sent as an ETRN request for it; posthornd scans the whole
    queue either way.
  postctl [options] reload
    Ask the running posthornd to reload its configuration.
  postctl [options] print-config
    Print the current posthorn configuration.

Options:
  -C=<path>, --config=<path>  Path to the posthorn config file
                              (default /etc/posthorn/posthorn.yaml)
`

// Command-line arguments.
// Arguments starting with "-" are parsed as key-value pairs, and
// positional arguments appear as "$POS" -> value.
var args map[string]string

var (
	configPath = "/etc/posthorn/posthorn.yaml"
)

// Exit codes distinguish a caller's mistake or a permanent failure (1)
// from a transient condition worth retrying (75, the sysexits.h EX_TEMPFAIL
// convention chasquid-util's callers already expect from queue tools).
const (
	exitPermanent = 1
	exitTransient = 75
)

func main() {
	args = parseArgs(usage)

	if _, ok := args["--help"]; ok {
		fmt.Print(usage)
		return
	}

	if p, ok := args["--config"]; ok {
		configPath = p
	}
	if p, ok := args["-C"]; ok {
		configPath = p
	}

	commands := map[string]func(){
		"enqueue":       enqueue,
		"queue-list":    queueList,
		"queue-hold":    queueHold,
		"queue-release": queueRelease,
		"flush":         flush,
		"reload":        reload,
		"print-config":  printConfig,
	}

	cmd := args["$1"]
	f, ok := commands[cmd]
	if !ok {
		fmt.Printf("Unknown argument %q\n", cmd)
		Fatalf(usage)
	}
	f()
}

// Fatalf prints the given message to stderr, then exits with a permanent
// failure code.
func Fatalf(s string, arg ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", arg...)
	os.Exit(exitPermanent)
}

// FatalTransientf prints the given message to stderr, then exits with a
// transient failure code, so callers scripting postctl can tell "try
// again later" from "this will never work".
func FatalTransientf(s string, arg ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", arg...)
	os.Exit(exitTransient)
}

// Warnf prints the given message to stderr, but does not exit the program.
func Warnf(s string, arg ...interface{}) {
	fmt.Fprintf(os.Stderr, s+"\n", arg...)
}

func loadConfig() *config.Config {
	conf, err := config.Load(configPath, args["--config_overrides"])
	if err != nil {
		Fatalf("Error loading config: %v", err)
	}
	return conf
}

// postctl enqueue <from> <rcpt>[,<rcpt>...] <message-file>
func enqueue() {
	from := args["$2"]
	rcptArg := args["$3"]
	path := args["$4"]
	if from == "" || rcptArg == "" || path == "" {
		Fatalf("Usage: postctl enqueue <from> <rcpt>[,<rcpt>...] <message-file>")
	}
	rcpts := strings.Split(rcptArg, ",")

	data, err := os.ReadFile(path)
	if err != nil {
		Fatalf("Error reading message file: %v", err)
	}

	conf := loadConfig()
	sp, err := spool.New(conf.Spool)
	if err != nil {
		Fatalf("Error opening spool: %v", err)
	}

	id := newQueueID()

	in, err := buildRawStream(from, rcpts, data)
	if err != nil {
		Fatalf("Error building message: %v", err)
	}

	f, err := sp.Create(spool.Incoming, id)
	if err != nil {
		Fatalf("Error creating queue item: %v", err)
	}
	out := record.New(f)

	pipeline := &cleanup.Pipeline{
		SenderRewriter:    &rewrite.Rewriter{SwapBangpath: true, PercentHack: true},
		RecipientRewriter: &rewrite.Rewriter{SwapBangpath: true, PercentHack: true},
		Dedup:             dedup.New(conf.DedupMaxSize),
		MaxHeaderBytes:    1 << 20,
		MaxBodyBytes:      conf.MaxDataSize,
		AlwaysBCC:         conf.AlwaysBCC,
		DefaultWarnAfter:  4 * time.Hour,
		MyHostname:        conf.Hostname,
	}

	res, err := pipeline.Process(context.Background(), in, out)
	out.Close()
	if err != nil {
		sp.Remove(spool.Incoming, id)
		Fatalf("Error processing message: %v", err)
	}
	if res.Disposition == cleanup.DispositionBounce || res.Disposition == cleanup.DispositionAbort {
		sp.Remove(spool.Incoming, id)
		Fatalf("Message rejected: %s", res.ErrorText)
	}

	fmt.Printf("Queued as %s\n", id)

	if err := notifyScan(conf, ""); err != nil {
		Warnf("Warning: could not notify running posthornd: %v", err)
	}
}

// buildRawStream renders a minimal, well-formed record stream (FROM, one
// RCPT per recipient, TIME as an 8-byte big-endian Unix time, MESG,
// CONTENT, XTRA, END) from raw message bytes, the same record shape
// internal/cleanup.Process expects to read, so
// postctl can hand cleanup a synthetic envelope built from CLI arguments
// rather than requiring an existing queue file.
func buildRawStream(from string, rcpts []string, data []byte) (*record.Stream, error) {
	tmp, err := os.CreateTemp("", "postctl-enqueue-*")
	if err != nil {
		return nil, err
	}
	os.Remove(tmp.Name())

	s := record.New(tmp)
	if _, err := s.Append(record.TagFrom, []byte(from)); err != nil {
		return nil, err
	}
	for _, r := range rcpts {
		if _, err := s.Append(record.TagRcpt, []byte(strings.TrimSpace(r))); err != nil {
			return nil, err
		}
	}
	now := uint64(time.Now().Unix())
	ts := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		ts[i] = byte(now)
		now >>= 8
	}
	if _, err := s.Append(record.TagTime, ts); err != nil {
		return nil, err
	}
	if _, err := s.Append(record.TagMesg, nil); err != nil {
		return nil, err
	}
	if _, err := s.Append(record.TagContent, data); err != nil {
		return nil, err
	}
	if _, err := s.Append(record.TagXtra, nil); err != nil {
		return nil, err
	}
	if _, err := s.Append(record.TagEnd, nil); err != nil {
		return nil, err
	}
	if err := s.Sync(); err != nil {
		return nil, err
	}
	return s, nil
}

func newQueueID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

// postctl queue-list [<queue>]
func queueList() {
	conf := loadConfig()
	sp, err := spool.New(conf.Spool)
	if err != nil {
		Fatalf("Error opening spool: %v", err)
	}

	queues := []string{spool.Incoming, spool.Active, spool.Deferred, spool.Hold, spool.Bounce, spool.Corrupt}
	if q := args["$2"]; q != "" {
		queues = []string{q}
	}

	// Enumerate's "before" cutoff is meant for the scheduler's "what's due"
	// scan (see internal/scheduler), so list everything regardless of
	// retry time by passing a cutoff far in the future.
	farFuture := time.Now().AddDate(100, 0, 0)
	for _, q := range queues {
		ids, err := sp.Enumerate(context.Background(), q, farFuture)
		if err != nil {
			Warnf("Error enumerating %s: %v", q, err)
			continue
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%s\t%s\n", q, id)
		}
	}
}

// postctl queue-hold <id>
func queueHold() {
	moveBetween(spool.Active, spool.Hold)
}

// postctl queue-release <id>
func queueRelease() {
	moveBetween(spool.Hold, spool.Active)
}

func moveBetween(from, to string) {
	id := args["$2"]
	if id == "" {
		Fatalf("Usage: postctl %s <id>", args["$1"])
	}
	conf := loadConfig()
	sp, err := spool.New(conf.Spool)
	if err != nil {
		Fatalf("Error opening spool: %v", err)
	}
	if err := sp.Move(from, to, id); err != nil {
		FatalTransientf("Error moving %s from %s to %s: %v", id, from, to, err)
	}
	fmt.Printf("Moved %s from %s to %s\n", id, from, to)
}

// postctl flush [<domain>]
func flush() {
	conf := loadConfig()
	domain := args["$2"]
	if err := notifyScan(conf, domain); err != nil {
		FatalTransientf("Error notifying posthornd: %v", err)
	}
	fmt.Println("Flush requested")
}

func notifyScan(conf *config.Config, domain string) error {
	c := trigger.NewClient(conf.TriggerSocket)
	req := trigger.Request{Kind: trigger.KindScan}
	if domain != "" {
		req = trigger.Request{Kind: trigger.KindETRN, Domain: domain}
	}
	return c.Notify(req)
}

// postctl reload
func reload() {
	conf := loadConfig()
	// Reuse the trigger socket's localrpc transport: posthornd's SIGHUP
	// handler is the authoritative reload path, so a remote reload here is
	// best-effort and only useful when postctl runs on the same host.
	if err := notifyScan(conf, ""); err != nil {
		Warnf("Could not reach posthornd over the trigger socket: %v", err)
	}
	pid, err := findPosthornPID(conf)
	if err != nil {
		FatalTransientf("Error finding posthornd process: %v", err)
	}
	if err := signalReload(pid); err != nil {
		FatalTransientf("Error sending reload signal: %v", err)
	}
	fmt.Println("Reload requested")
}

// postctl print-config
func printConfig() {
	conf := loadConfig()
	config.LogConfig(conf)
}

func findPosthornPID(conf *config.Config) (int, error) {
	pidPath := filepath.Join(filepath.Dir(conf.Spool), "posthornd.pid")
	buf, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, fmt.Errorf("reading %q: %w", pidPath, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil {
		return 0, fmt.Errorf("parsing pid file %q: %w", pidPath, err)
	}
	return pid, nil
}

func signalReload(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Signal(syscall.SIGHUP)
}

// parseArgs parses os.Args into a flat key/value map: "--abc=def x y -p=q -r"
// becomes {"--abc": "def", "$1": "x", "$2": "y", "-p": "q", "-r": ""}.
func parseArgs(usage string) map[string]string {
	args := map[string]string{}

	pos := 1
	for _, a := range os.Args[1:] {
		if strings.HasPrefix(a, "-") {
			sp := strings.SplitN(a, "=", 2)
			if len(sp) < 2 {
				args[a] = ""
			} else {
				args[sp[0]] = sp[1]
			}
		} else {
			args["$"+strconv.Itoa(pos)] = a
			pos++
		}
	}

	return args
}
