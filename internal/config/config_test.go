package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
instance: replica-a
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /var/lib/panel/panel.db
  busy_timeout: 3s
telegram:
  poll_timeout: 25s
http:
  enabled: true
  addr: 127.0.0.1:8090
  token: hunter2
leader:
  ttl: 20s
accounts:
  timezone: Asia/Jakarta
  cutoff: start_of_day
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	cfg, err := Decode("panel.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Instance != "replica-a" || cfg.Storage.Path != "/var/lib/panel/panel.db" || !cfg.HTTP.Enabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Accounts.Cutoff != "start_of_day" {
		t.Fatalf("cutoff = %q", cfg.Accounts.Cutoff)
	}

	js := `{"storage":{"path":"./panel.db"},"logging":{"level":"info"}}`
	if _, err := Decode("panel.json", []byte(js)); err != nil {
		t.Fatalf("json: %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name, path, body, want string
	}{
		{"unknown field", "c.json", `{"storage":{"path":"x"},"plugins":{}}`, "unknown field"},
		{"trailing data", "c.json", `{"storage":{"path":"x"}} {}`, "trailing data"},
		{"missing path", "c.json", `{"storage":{"driver":"sqlite"}}`, "storage.path"},
		{"bad duration", "c.yaml", "storage: {path: x}\nleader: {ttl: soon}\n", "leader.ttl"},
		{"negative duration", "c.json", `{"storage":{"path":"x"},"backup":{"timeout":"-1s"}}`, "backup.timeout"},
		{"bad addr", "c.json", `{"storage":{"path":"x"},"http":{"enabled":true,"addr":"8090"}}`, "http.addr"},
		{"bad timezone", "c.json", `{"storage":{"path":"x"},"accounts":{"timezone":"Mars/Olympus"}}`, "accounts.timezone"},
		{"bad cutoff", "c.json", `{"storage":{"path":"x"},"accounts":{"cutoff":"noon"}}`, "accounts.cutoff"},
		{"bad driver", "c.json", `{"storage":{"driver":"postgres","path":"x"}}`, "storage.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.path, []byte(tt.body))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	a, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	b := *a
	b.HTTP.Token = "rotated-secret"
	b.Logging.Level = "warn"

	changed, fields := SummarizeChange(a, &b)
	if strings.Join(changed, ",") != "http,logging" {
		t.Fatalf("changed = %v", changed)
	}
	if len(fields) == 0 {
		t.Fatalf("expected summary fields")
	}
	if got := RestartOnly([]string{"http", "leader", "logging"}); len(got) != 1 || got[0] != "leader" {
		t.Fatalf("RestartOnly = %v", got)
	}

	same, _ := SummarizeChange(a, a)
	if len(same) != 0 {
		t.Fatalf("identical configs reported changes: %v", same)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("explicit: %v %v", d, err)
	}
}

func TestWatchPublishesValidChangesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "panel.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Instance == "forbidden" {
			return os.ErrPermission
		}
		return nil
	})
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Let the watcher register the directory.
	time.Sleep(100 * time.Millisecond)

	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write(strings.Replace(sampleYAML, "level: debug", "level: warn", 1))
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}

	write("storage: {path: x}\nbogus: true\n")
	write(strings.Replace(sampleYAML, "instance: replica-a", "instance: forbidden", 1))
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config was published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}
	if got := m.Get(); got.Logging.Level != "warn" || got.Instance != "replica-a" {
		t.Fatalf("committed config changed: %+v", got)
	}
}
