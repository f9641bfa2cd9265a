package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"panelbot/internal/botconfig"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	reveal = false
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "panelbot.json")
	body, _ := json.Marshal(map[string]any{
		"logging": map[string]any{"level": "error"},
		"storage": map[string]any{"path": filepath.Join(dir, "panel.db")},
	})
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t)
	out, err := runCLI(t, "", "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Fatalf("output = %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte(`{"storage":{}}`), 0o644)
	if _, err := runCLI(t, "", "validate", "--config", bad); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestSettingsPutAndGetMasksToken(t *testing.T) {
	path := writeConfig(t)
	blob := `{"enabled":true,"token":"123456:ABCDEFGHIJ","default_target_id":-1001}`
	if _, err := runCLI(t, blob, "settings", "put", "bot", "-", "--config", path); err != nil {
		t.Fatalf("put: %v", err)
	}

	out, err := runCLI(t, "", "settings", "get", "bot", "--config", path)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if strings.Contains(out, "ABCDEFGHIJ") {
		t.Fatalf("token leaked: %s", out)
	}
	if !strings.Contains(out, "-1001") {
		t.Fatalf("target missing: %s", out)
	}

	out, err = runCLI(t, "", "settings", "get", "bot", "--reveal", "--config", path)
	if err != nil {
		t.Fatalf("get --reveal: %v", err)
	}
	if !strings.Contains(out, "123456:ABCDEFGHIJ") {
		t.Fatalf("reveal should print the token: %s", out)
	}
}

func TestCheckSetting(t *testing.T) {
	if err := checkSetting("other", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("plain blob: %v", err)
	}
	if err := checkSetting("other", []byte(`{nope`)); err == nil {
		t.Fatal("invalid JSON accepted")
	}
	if err := checkSetting(botconfig.SettingsKey, []byte(`{"enabled":"maybe"}`)); err == nil {
		t.Fatal("malformed bot settings accepted")
	}
}
