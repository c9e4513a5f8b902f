// posthornd is the posthorn master process: it loads configuration,
// wires the cleanup-pipeline prerequisites, the scheduler, the trigger
// listener, and the delivery-agent registry, then runs until signaled.
//
// Grounded on chasquid.go's main/signalHandler: conf, err := config.Load
// then config.LogConfig, a background signal-handling goroutine, and a
// blocking serve call, generalized here from "start one smtpsrv.Server"
// to "start the scheduler's scan loop, trigger listener, and the
// supervised delivery-agent subprocesses internal/supervise owns".
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"blitiri.com.ar/go/log"

	"posthorn.example/posthorn/internal/config"
	"posthorn.example/posthorn/internal/delivery"
	"posthorn.example/posthorn/internal/dict"
	"posthorn.example/posthorn/internal/maillog"
	"posthorn.example/posthorn/internal/resolve"
	"posthorn.example/posthorn/internal/rewrite"
	"posthorn.example/posthorn/internal/safeio"
	"posthorn.example/posthorn/internal/scheduler"
	"posthorn.example/posthorn/internal/set"
	"posthorn.example/posthorn/internal/spool"
	"posthorn.example/posthorn/internal/supervise"
	"posthorn.example/posthorn/internal/trigger"
)

var (
	configPath      = flag.String("config", "/etc/posthorn/posthorn.yaml", "path to the posthorn config file")
	configOverrides = flag.String("config_overrides", "", "override configuration values (YAML)")
)

func main() {
	flag.Parse()
	log.Init()

	conf, err := config.Load(*configPath, *configOverrides)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	config.LogConfig(conf)

	writePIDFile(conf)
	initMailLog(conf.MailLogPath)

	sp, err := spool.New(conf.Spool)
	if err != nil {
		log.Fatalf("Error initializing spool at %q: %v", conf.Spool, err)
	}

	resolver := buildResolver(conf)

	sched := &scheduler.Scheduler{
		Spool:           sp,
		Resolver:        resolver,
		Dial:            dialerFor(conf),
		ActiveQueueSize: conf.ActiveQueueSize,
		RecipientLimit:  conf.RecipientLimit,
		MaxBackoff:      conf.MaxBackoffDuration(),
		GiveUpAfter:     conf.GiveUpSendAfterDuration(),
		SamplerInterval: conf.SamplerIntervalDuration(),
		OurDomain:       conf.Hostname,
		NewBounceID:     uuid.NewString,
		Tokens:          make(chan struct{}, conf.ActiveQueueSize),
	}
	for i := 0; i < conf.ActiveQueueSize; i++ {
		sched.Tokens <- struct{}{}
	}

	specs := supervisorSpecs(conf)
	super := supervise.NewSupervisor(specs, conf.ActiveQueueSize)
	super.Tokens = sched.Tokens

	ctx, cancel := context.WithCancel(context.Background())
	super.HandleSignals(cancel, func() {
		newConf, err := config.Load(*configPath, *configOverrides)
		if err != nil {
			log.Errorf("posthornd: reload failed, keeping old config: %v", err)
			return
		}
		super.Reload(newConf)
		log.Infof("posthornd: configuration reloaded")
	})

	trigSrv := trigger.NewServer(func(req trigger.Request) error {
		log.Infof("posthornd: trigger %q domain=%q", req.Kind, req.Domain)
		go func() {
			if err := sched.ScanOnce(ctx); err != nil {
				log.Errorf("posthornd: triggered scan: %v", err)
			}
		}()
		return nil
	})
	go func() {
		if err := trigSrv.ListenAndServe(conf.TriggerSocket); err != nil {
			log.Errorf("posthornd: trigger listener: %v", err)
		}
	}()
	defer trigSrv.Close()

	go sched.RunSampler(ctx)
	go runScanLoop(ctx, sched)
	go super.Start(ctx)

	log.Infof("posthornd: ready (spool=%q, delivery_socket=%q, trigger_socket=%q)",
		conf.Spool, conf.DeliverySocket, conf.TriggerSocket)

	<-ctx.Done()
	log.Infof("posthornd: shutting down")
}

// runScanLoop periodically calls ScanOnce, standing in for spec.md
// §5's "triggers may be coalesced; the receiver must treat each wake as
// scan for any work" — a trigger is one way to wake the scanner, a
// ticker is the other, same as chasquid's queue scanner falls back to a
// periodic scan even with no incoming trigger.
func runScanLoop(ctx context.Context, sched *scheduler.Scheduler) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := sched.ScanOnce(ctx); err != nil {
				log.Errorf("posthornd: scan: %v", err)
			}
		}
	}
}

// buildResolver assembles an internal/resolve.Resolver from config: the
// local-domain set, a rewriter built from the suffix/drop-character and
// masquerade options, and a transport table loaded (if configured) from
// TransportsFile via internal/dict's inline syntax.
func buildResolver(conf *config.Config) *resolve.Resolver {
	locals := set.NewString()
	for _, d := range conf.LocalDomains {
		locals.Add(d)
	}
	locals.Add("localhost")

	rw := &rewrite.Rewriter{
		SwapBangpath:        true,
		PercentHack:         true,
		ExtensionSeparators: conf.SuffixSeparators,
		DropCharacters:      conf.DropCharacters,
		MasqueradeDomain:    conf.MasqueradeDomain,
		Postmaster:          conf.PostmasterAddress,
	}

	var transports dict.Map
	if conf.TransportsFile != "" {
		if buf, err := os.ReadFile(conf.TransportsFile); err != nil {
			log.Errorf("posthornd: reading transports file %q: %v", conf.TransportsFile, err)
		} else if m, err := dict.ParseInline("transports", string(buf)); err != nil {
			log.Errorf("posthornd: parsing transports file %q: %v", conf.TransportsFile, err)
		} else {
			transports = m
		}
	}

	return &resolve.Resolver{
		Rewriter:          rw,
		Locals:            locals,
		Transports:        transports,
		ParentDomainMatch: true,
		DefaultTransport:  "smtp",
		DefaultNexthop:    conf.DefaultNexthop,
		LocalTransport:    "local",
		MyHostname:        conf.Hostname,
	}
}

// dialerFor builds a scheduler.Dialer that looks up a per-transport
// delivery socket in conf.TransportSockets, falling back to
// conf.DeliverySocket for any transport not listed there.
func dialerFor(conf *config.Config) scheduler.Dialer {
	return func(ctx context.Context, key scheduler.DestKey) (*delivery.Client, error) {
		sock := conf.DeliverySocket
		if s, ok := conf.TransportSockets[key.Transport]; ok {
			sock = s
		}
		return delivery.Dial(ctx, sock)
	}
}

// supervisorSpecs converts config.ServiceConfig entries into
// supervise.ServiceSpec, parsing each MinRespawnInterval duration (a
// malformed one just falls back to a one-second default rather than
// aborting startup over one bad service entry).
func supervisorSpecs(conf *config.Config) []supervise.ServiceSpec {
	specs := make([]supervise.ServiceSpec, 0, len(conf.Services))
	for _, svc := range conf.Services {
		interval := time.Second
		if svc.MinRespawnInterval != "" {
			if d, err := time.ParseDuration(svc.MinRespawnInterval); err == nil {
				interval = d
			}
		}
		specs = append(specs, supervise.ServiceSpec{
			Name:               svc.Name,
			Argv:               svc.Argv,
			Peak:               svc.Peak,
			Average:            svc.Average,
			MinRespawnInterval: interval,
		})
	}
	return specs
}

// writePIDFile drops a pidfile next to the spool directory, the same path
// cmd/postctl's reload command reads to find which process to signal.
// Written via safeio.WriteFile so a crash mid-write never leaves postctl
// reading a half-written pid.
func writePIDFile(conf *config.Config) {
	path := filepath.Join(filepath.Dir(conf.Spool), "posthornd.pid")
	if err := safeio.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		log.Errorf("posthornd: writing pid file %q: %v", path, err)
	}
}

func initMailLog(path string) {
	var err error
	switch path {
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	default:
		_ = os.MkdirAll(filepath.Dir(path), 0775)
		var f *os.File
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0660)
		if err == nil {
			maillog.Default = maillog.New(f)
		}
	}
	if err != nil {
		log.Fatalf("Error opening mail log: %v", err)
	}
}
