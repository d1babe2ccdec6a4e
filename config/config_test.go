package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, mutate func(s string) string) string {
	t.Helper()
	content := `tradeflow:
  name: "TestApp"
  version: "1.0"
broker:
  base_url: "https://api.example.test"
  websocket_url: "wss://api.example.test/ws"
feed:
  symbols: ["005930"]
  reconnect_min_delay: 1s
  reconnect_max_delay: 60s
  heartbeat_timeout: 30s
channels:
  event_buffer: 16
  intent_buffer: 16
engine:
  max_workers: 2
  strategy: "pricedrop"
executor:
  rate_limit:
    requests_per_second: 5
    burst_size: 1
  max_queue_wait: 2s
  retry:
    max_attempts: 3
    base_delay: 200ms
    max_delay: 5s
store:
  path: "data/test.db"
storage:
  s3:
    enabled: false
`
	if mutate != nil {
		content = mutate(content)
	}
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, nil)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tradeflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tradeflow.Name)
	}
	if cfg.Feed.ReconnectMaxDelay.Std() != 60*time.Second {
		t.Errorf("unexpected reconnect_max_delay: %v", cfg.Feed.ReconnectMaxDelay)
	}
	if cfg.Session.RefreshLeadFraction != 0.1 {
		t.Errorf("unexpected refresh lead default: %v", cfg.Session.RefreshLeadFraction)
	}
	if cfg.Engine.Window.Start != "09:01" || cfg.Engine.Window.End != "15:30" {
		t.Errorf("unexpected window defaults: %+v", cfg.Engine.Window)
	}
	if cfg.Store.Synchronous != "full" {
		t.Errorf("unexpected synchronous default: %s", cfg.Store.Synchronous)
	}
	if !cfg.Metrics.ChannelSize || !cfg.Metrics.Drops {
		t.Errorf("metric features should default to enabled: %+v", cfg.Metrics)
	}
	if cfg.Metrics.Interval.Std() != time.Second {
		t.Errorf("unexpected metrics interval default: %v", cfg.Metrics.Interval)
	}
	if cfg.Feed.AuthFailureLimit != 5 {
		t.Errorf("unexpected auth failure limit default: %d", cfg.Feed.AuthFailureLimit)
	}
}

func writeTempGroups(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "groups-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestLoadSymbolGroups(t *testing.T) {
	path := writeTempGroups(t, `groups:
  - group_no: "0001"
    symbols: ["005930", "000660"]
  - group_no: "0002"
    symbols: ["035720"]
`)

	groups, err := LoadSymbolGroups(path)
	if err != nil {
		t.Fatalf("LoadSymbolGroups failed: %v", err)
	}
	if groups == nil || len(groups.Groups) != 2 {
		t.Fatalf("unexpected groups: %+v", groups)
	}
	if groups.Groups[0].GroupNo != "0001" || len(groups.Groups[0].Symbols) != 2 {
		t.Errorf("unexpected first group: %+v", groups.Groups[0])
	}
}

func TestLoadSymbolGroupsMissingFile(t *testing.T) {
	groups, err := LoadSymbolGroups("does/not/exist.yml")
	if err != nil {
		t.Fatalf("missing file should not be an error: %v", err)
	}
	if groups != nil {
		t.Fatalf("expected nil groups for missing file, got %+v", groups)
	}
}

func TestLoadSymbolGroupsRejectsDuplicateGroupNo(t *testing.T) {
	path := writeTempGroups(t, `groups:
  - group_no: "0001"
    symbols: ["005930"]
  - group_no: "0001"
    symbols: ["000660"]
`)
	if _, err := LoadSymbolGroups(path); err == nil {
		t.Fatal("expected error for duplicate group_no")
	}
}

func TestLoadSymbolGroupsRejectsEmptySymbols(t *testing.T) {
	path := writeTempGroups(t, `groups:
  - group_no: "0001"
    symbols: []
`)
	if _, err := LoadSymbolGroups(path); err == nil {
		t.Fatal("expected error for empty symbol list")
	}
}

func TestLoadConfigRejectsMissingStrategy(t *testing.T) {
	path := writeTempConfig(t, func(s string) string {
		return strings.Replace(s, `strategy: "pricedrop"`, `strategy: ""`, 1)
	})
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for empty strategy")
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var out struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal([]byte("d: 1m30s\n"), &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if out.D.Std() != 90*time.Second {
		t.Errorf("unexpected duration: %v", out.D)
	}
	if err := yaml.Unmarshal([]byte("d: ninety\n"), &out); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}

func TestParseWindow(t *testing.T) {
	w, err := ParseWindow(WindowConfig{Start: "09:01", End: "15:30"})
	if err != nil {
		t.Fatalf("ParseWindow failed: %v", err)
	}
	// 2026-08-24 is a Monday.
	monday := time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)
	if !w.Open(monday) {
		t.Error("window closed during market hours on a weekday")
	}
	if w.Open(monday.Add(8 * time.Hour)) {
		t.Error("window open after close")
	}
	saturday := time.Date(2026, 8, 22, 10, 0, 0, 0, time.Local)
	if w.Open(saturday) {
		t.Error("window open on a weekend")
	}

	overnight, err := ParseWindow(WindowConfig{Start: "09:01", End: "15:30", Overnight: true})
	if err != nil {
		t.Fatalf("ParseWindow overnight failed: %v", err)
	}
	if !overnight.Open(saturday) {
		t.Error("overnight window should always be open")
	}

	if _, err := ParseWindow(WindowConfig{Start: "25:00", End: "15:30"}); err == nil {
		t.Error("expected error for invalid hour")
	}
	if _, err := ParseWindow(WindowConfig{Start: "15:30", End: "09:01"}); err == nil {
		t.Error("expected error for end before start")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}
