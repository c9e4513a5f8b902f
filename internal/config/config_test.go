package config

import (
	"io"
	"io/ioutil"
	"os"
	"testing"

	"blitiri.com.ar/go/log"
	"posthorn.example/posthorn/internal/testlib"
)

func mustCreateConfig(t *testing.T, contents string) (string, string) {
	tmpDir := testlib.MustTempDir(t)
	err := ioutil.WriteFile(tmpDir+"/posthorn.yaml", []byte(contents), 0600)
	if err != nil {
		t.Fatalf("failed to write tmp config: %v", err)
	}
	return tmpDir, tmpDir + "/posthorn.yaml"
}

func TestEmptyConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "")
	defer testlib.RemoveIfOk(t, tmpDir)
	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading empty config: %v", err)
	}

	// Test the default values are set.

	hostname, _ := os.Hostname()
	if c.Hostname == "" || c.Hostname != hostname {
		t.Errorf("invalid hostname %q, should be: %q", c.Hostname, hostname)
	}

	if c.MaxDataSize != 50*1024*1024 {
		t.Errorf("max data size != 50MB: %d", c.MaxDataSize)
	}

	if c.Spool != "/var/lib/posthorn/spool" {
		t.Errorf("unexpected spool default: %v", c.Spool)
	}

	if c.ActiveQueueSize != 200 {
		t.Errorf("unexpected active queue size default: %v", c.ActiveQueueSize)
	}

	testLogConfig(c)
}

func TestFullConfig(t *testing.T) {
	confStr := `
hostname: joust
spool: /tmp/spool
local_domains: ["example.com", "example.org"]
max_data_size_bytes: 26000000
active_queue_size: 5
`
	tmpDir, path := mustCreateConfig(t, confStr)
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}

	if c.Hostname != "joust" {
		t.Errorf("hostname %q != 'joust'", c.Hostname)
	}
	if c.Spool != "/tmp/spool" {
		t.Errorf("spool %q != '/tmp/spool'", c.Spool)
	}
	if c.MaxDataSize != 26000000 {
		t.Errorf("max data size != 26000000: %d", c.MaxDataSize)
	}
	if len(c.LocalDomains) != 2 ||
		c.LocalDomains[0] != "example.com" || c.LocalDomains[1] != "example.org" {
		t.Errorf("different local domains: %v", c.LocalDomains)
	}
	if c.ActiveQueueSize != 5 {
		t.Errorf("active queue size %d != 5", c.ActiveQueueSize)
	}

	testLogConfig(c)
}

func TestOverridesApplyOnTopOfFile(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "hostname: filehost\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "hostname: overridehost\n")
	if err != nil {
		t.Fatalf("error loading config: %v", err)
	}
	if c.Hostname != "overridehost" {
		t.Errorf("hostname %q != 'overridehost'", c.Hostname)
	}
	// Fields untouched by the override still come from defaults.
	if c.MaxDataSize != 50*1024*1024 {
		t.Errorf("max data size != 50MB: %d", c.MaxDataSize)
	}
}

func TestErrorLoading(t *testing.T) {
	c, err := Load("/does/not/exist", "")
	if err == nil {
		t.Fatalf("loaded a non-existent config: %v", c)
	}
}

func TestBrokenConfig(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "hostname: [this, is, not, a, string]\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err == nil {
		t.Fatalf("loaded an invalid config: %v", c)
	}
}

func TestInvalidGiveUpSendAfter(t *testing.T) {
	tmpDir, path := mustCreateConfig(t, "give_up_send_after: not-a-duration\n")
	defer testlib.RemoveIfOk(t, tmpDir)

	c, err := Load(path, "")
	if err == nil {
		t.Fatalf("loaded a config with an invalid give_up_send_after: %v", c)
	}
}

// Run LogConfig, overriding the default logger first. This exercises the
// code; we don't validate the output, but it's a useful sanity check.
func testLogConfig(c *Config) {
	l := log.New(nopWCloser{ioutil.Discard})
	log.Default = l
	LogConfig(c)
}

type nopWCloser struct {
	io.Writer
}

func (nopWCloser) Close() error { return nil }
