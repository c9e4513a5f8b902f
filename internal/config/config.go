// Package config implements the posthorn configuration: a YAML file plus
// command-line overrides, merged field by field onto a set of defaults.
//
// Grounded on internal/config/config.go's Load/override/LogConfig shape:
// start from a default Config, unmarshal the file on top, then unmarshal
// an override string on top of that, field by field rather than via a
// blanket merge (so an override that only sets a couple of fields
// doesn't zero out the rest of the defaults). The teacher generates its
// Config type from a protobuf schema compiled with prototext; this repo
// has no way to regenerate protoc output, and the config it describes
// isn't exchanged over the wire anywhere, so the schema here is a plain
// Go struct tagged for gopkg.in/yaml.v2 instead. See DESIGN.md.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	"gopkg.in/yaml.v2"
)

// Config holds every tunable posthorn needs at startup.
type Config struct {
	Hostname string `yaml:"hostname"`

	// Spool is the root directory under which incoming/active/deferred/
	// hold/bounce/corrupt live (internal/spool).
	Spool string `yaml:"spool"`

	// DeliverySocket is the Unix socket the scheduler dials to reach an
	// internal/delivery agent; TriggerSocket is the Unix socket
	// posthornd's internal/trigger server listens on.
	DeliverySocket string `yaml:"delivery_socket"`
	TriggerSocket  string `yaml:"trigger_socket"`

	// MilterAddress, if set, is dialed ("network,address", e.g.
	// "tcp,127.0.0.1:8891") by internal/cleanup's milter step.
	MilterAddress string `yaml:"milter_address"`

	LocalDomains      []string `yaml:"local_domains"`
	PostmasterAddress string   `yaml:"postmaster_address"`
	MasqueradeDomain  string   `yaml:"masquerade_domain"`
	SuffixSeparators  string   `yaml:"suffix_separators"`
	DropCharacters    string   `yaml:"drop_characters"`

	TransportsFile string `yaml:"transports_file"`
	DefaultNexthop string `yaml:"default_nexthop"`

	AlwaysBCC   string `yaml:"always_bcc"`
	MaxDataSize int64  `yaml:"max_data_size_bytes"`

	ActiveQueueSize int `yaml:"active_queue_size"`
	RecipientLimit  int `yaml:"recipient_limit"`

	PeakConcurrency    int `yaml:"peak_concurrency"`
	AverageConcurrency int `yaml:"average_concurrency"`

	DedupMaxSize int `yaml:"dedup_max_size"`

	MailLogPath string `yaml:"mail_log_path"`

	GiveUpSendAfter string `yaml:"give_up_send_after"`
	MaxBackoff      string `yaml:"max_backoff"`
	SamplerInterval string `yaml:"sampler_interval"`

	// TransportSockets maps a transport name (as produced by
	// internal/resolve) to the internal/delivery Unix socket its agent
	// listens on. A transport with no entry here falls back to
	// DeliverySocket, so a single-agent deployment doesn't need to set
	// this at all.
	TransportSockets map[string]string `yaml:"transport_sockets"`

	// Services lists external delivery-agent (or other) processes
	// internal/supervise should spawn and supervise, one ServiceConfig
	// per transport.
	Services []ServiceConfig `yaml:"services"`
}

// ServiceConfig describes one subprocess internal/supervise should own,
// mirroring supervise.ServiceSpec field for field.
type ServiceConfig struct {
	Name               string   `yaml:"name"`
	Argv               []string `yaml:"argv"`
	Peak               int      `yaml:"peak"`
	Average            int      `yaml:"average"`
	MinRespawnInterval string   `yaml:"min_respawn_interval"`
}

var defaultConfig = &Config{
	Spool:              "/var/lib/posthorn/spool",
	DeliverySocket:     "/var/lib/posthorn/delivery.sock",
	TriggerSocket:      "/var/lib/posthorn/trigger.sock",
	PostmasterAddress:  "postmaster",
	SuffixSeparators:   "+",
	DropCharacters:     ".",
	MaxDataSize:        50 * 1024 * 1024,
	ActiveQueueSize:    200,
	RecipientLimit:     1000,
	PeakConcurrency:    20,
	AverageConcurrency: 10,
	DedupMaxSize:       10000,
	MailLogPath:        "<syslog>",
	GiveUpSendAfter:    "120h",
	MaxBackoff:         "4h",
	SamplerInterval:    "30s",
}

// Load reads the YAML config at path, applies overrides (itself YAML) on
// top, fills in Hostname from os.Hostname if still unset, and validates
// GiveUpSendAfter.
func Load(path, overrides string) (*Config, error) {
	c := *defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	fromFile := &Config{}
	if err := yaml.Unmarshal(buf, fromFile); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(&c, fromFile)

	if overrides != "" {
		fromOverrides := &Config{}
		if err := yaml.Unmarshal([]byte(overrides), fromOverrides); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
		override(&c, fromOverrides)
	}

	// Handle hostname separately, because if it is set we don't need to
	// call os.Hostname, which can fail.
	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if _, err := time.ParseDuration(c.GiveUpSendAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid give_up_send_after value %q: %v", c.GiveUpSendAfter, err)
	}
	if _, err := time.ParseDuration(c.MaxBackoff); err != nil {
		return nil, fmt.Errorf(
			"invalid max_backoff value %q: %v", c.MaxBackoff, err)
	}
	if _, err := time.ParseDuration(c.SamplerInterval); err != nil {
		return nil, fmt.Errorf(
			"invalid sampler_interval value %q: %v", c.SamplerInterval, err)
	}

	return &c, nil
}

// override copies every non-zero field of o onto c, field by field. We
// don't do a blanket merge because zero-value fields in an override file
// (e.g. one that only sets hostname) would otherwise stomp the defaults.
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.Spool != "" {
		c.Spool = o.Spool
	}
	if o.DeliverySocket != "" {
		c.DeliverySocket = o.DeliverySocket
	}
	if o.TriggerSocket != "" {
		c.TriggerSocket = o.TriggerSocket
	}
	if o.MilterAddress != "" {
		c.MilterAddress = o.MilterAddress
	}
	if len(o.LocalDomains) > 0 {
		c.LocalDomains = o.LocalDomains
	}
	if o.PostmasterAddress != "" {
		c.PostmasterAddress = o.PostmasterAddress
	}
	if o.MasqueradeDomain != "" {
		c.MasqueradeDomain = o.MasqueradeDomain
	}
	if o.SuffixSeparators != "" {
		c.SuffixSeparators = o.SuffixSeparators
	}
	if o.DropCharacters != "" {
		c.DropCharacters = o.DropCharacters
	}
	if o.TransportsFile != "" {
		c.TransportsFile = o.TransportsFile
	}
	if o.DefaultNexthop != "" {
		c.DefaultNexthop = o.DefaultNexthop
	}
	if o.AlwaysBCC != "" {
		c.AlwaysBCC = o.AlwaysBCC
	}
	if o.MaxDataSize > 0 {
		c.MaxDataSize = o.MaxDataSize
	}
	if o.ActiveQueueSize > 0 {
		c.ActiveQueueSize = o.ActiveQueueSize
	}
	if o.RecipientLimit > 0 {
		c.RecipientLimit = o.RecipientLimit
	}
	if o.PeakConcurrency > 0 {
		c.PeakConcurrency = o.PeakConcurrency
	}
	if o.AverageConcurrency > 0 {
		c.AverageConcurrency = o.AverageConcurrency
	}
	if o.DedupMaxSize > 0 {
		c.DedupMaxSize = o.DedupMaxSize
	}
	if o.MailLogPath != "" {
		c.MailLogPath = o.MailLogPath
	}
	if o.GiveUpSendAfter != "" {
		c.GiveUpSendAfter = o.GiveUpSendAfter
	}
	if o.MaxBackoff != "" {
		c.MaxBackoff = o.MaxBackoff
	}
	if o.SamplerInterval != "" {
		c.SamplerInterval = o.SamplerInterval
	}
	if len(o.TransportSockets) > 0 {
		c.TransportSockets = o.TransportSockets
	}
	if len(o.Services) > 0 {
		c.Services = o.Services
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Spool: %q", c.Spool)
	log.Infof("  Delivery socket: %q", c.DeliverySocket)
	log.Infof("  Trigger socket: %q", c.TriggerSocket)
	log.Infof("  Milter address: %q", c.MilterAddress)
	log.Infof("  Local domains: %q", c.LocalDomains)
	log.Infof("  Postmaster: %q", c.PostmasterAddress)
	log.Infof("  Masquerade domain: %q", c.MasqueradeDomain)
	log.Infof("  Suffix separators: %q", c.SuffixSeparators)
	log.Infof("  Drop characters: %q", c.DropCharacters)
	log.Infof("  Transports file: %q", c.TransportsFile)
	log.Infof("  Default nexthop: %q", c.DefaultNexthop)
	log.Infof("  Always BCC: %q", c.AlwaysBCC)
	log.Infof("  Max data size (bytes): %d", c.MaxDataSize)
	log.Infof("  Active queue size: %d", c.ActiveQueueSize)
	log.Infof("  Recipient limit: %d", c.RecipientLimit)
	log.Infof("  Concurrency (peak/average): %d/%d", c.PeakConcurrency, c.AverageConcurrency)
	log.Infof("  Dedup max size: %d", c.DedupMaxSize)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Give up send after: %s", c.GiveUpSendAfterDuration())
	log.Infof("  Max backoff: %s", c.MaxBackoffDuration())
	log.Infof("  Sampler interval: %s", c.SamplerIntervalDuration())
	log.Infof("  Transport sockets: %v", c.TransportSockets)
	for _, svc := range c.Services {
		log.Infof("  Service %q: argv=%v peak=%d average=%d", svc.Name, svc.Argv, svc.Peak, svc.Average)
	}
}

// GiveUpSendAfterDuration parses GiveUpSendAfter. Load already validated
// it, so the error here is always nil.
func (c *Config) GiveUpSendAfterDuration() time.Duration {
	d, _ := time.ParseDuration(c.GiveUpSendAfter)
	return d
}

// MaxBackoffDuration parses MaxBackoff. Load already validated it.
func (c *Config) MaxBackoffDuration() time.Duration {
	d, _ := time.ParseDuration(c.MaxBackoff)
	return d
}

// SamplerIntervalDuration parses SamplerInterval. Load already validated it.
func (c *Config) SamplerIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.SamplerInterval)
	return d
}
