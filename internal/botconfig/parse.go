package botconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// Parse decodes a settings blob. Absent fields take their default; a field
// that is present but malformed keeps its value from prev and produces a
// warning. Only a blob that is not a JSON object is an error.
func Parse(raw []byte, prev BotConfig) (BotConfig, []string, error) {
	out := Default()
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out, nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return prev, nil, fmt.Errorf("bot settings: %w", err)
	}

	var warns []string
	warn := func(key string, err error) {
		warns = append(warns, fmt.Sprintf("%s: %v (keeping previous value)", key, err))
	}
	field := func(keys ...string) (json.RawMessage, string, bool) {
		for _, k := range keys {
			if v, ok := fields[k]; ok {
				return v, k, true
			}
		}
		return nil, "", false
	}

	if v, k, ok := field("token", "bot_token"); ok {
		if s, err := asString(v); err != nil {
			out.Token = prev.Token
			warn(k, err)
		} else {
			out.Token = strings.TrimSpace(s)
		}
	}
	if v, k, ok := field("default_target_id", "chat_id", "target_id"); ok {
		if n, err := asInt64(v); err != nil {
			out.DefaultTargetID = prev.DefaultTargetID
			warn(k, err)
		} else {
			out.DefaultTargetID = n
		}
	}
	if v, k, ok := field("allowed_ids", "allow_list"); ok {
		if ids, err := asIDList(v); err != nil {
			out.AllowedIDs = prev.AllowedIDs
			warn(k, err)
		} else {
			out.AllowedIDs = ids
		}
	}

	bools := []struct {
		key string
		dst *bool
		old bool
	}{
		{"enabled", &out.Enabled, prev.Enabled},
		{"login_notify", &out.LoginNotify, prev.LoginNotify},
		{"backup_enabled", &out.BackupEnabled, prev.BackupEnabled},
	}
	for _, b := range bools {
		v, ok := fields[b.key]
		if !ok {
			continue
		}
		x, err := asBool(v)
		if err != nil {
			*b.dst = b.old
			warn(b.key, err)
			continue
		}
		*b.dst = x
	}

	ints := []struct {
		key string
		dst *int
		old int
	}{
		{"backup_interval_minutes", &out.BackupIntervalMinutes, prev.BackupIntervalMinutes},
		{"reload_interval_seconds", &out.ReloadIntervalSeconds, prev.ReloadIntervalSeconds},
	}
	for _, n := range ints {
		v, ok := fields[n.key]
		if !ok {
			continue
		}
		x, err := asInt64(v)
		if err == nil && (x < 0 || x > math.MaxInt32) {
			err = fmt.Errorf("out of range: %d", x)
		}
		if err != nil {
			*n.dst = n.old
			warn(n.key, err)
			continue
		}
		*n.dst = int(x)
	}

	strs := []struct {
		key string
		dst *string
		old string
	}{
		{"backup_cron", &out.BackupCron, prev.BackupCron},
		{"backup_timezone", &out.BackupTimezone, prev.BackupTimezone},
		{"webhook_url", &out.WebhookURL, prev.WebhookURL},
		{"webhook_secret", &out.WebhookSecret, prev.WebhookSecret},
	}
	for _, s := range strs {
		v, ok := fields[s.key]
		if !ok {
			continue
		}
		x, err := asString(v)
		if err != nil {
			*s.dst = s.old
			warn(s.key, err)
			continue
		}
		*s.dst = strings.TrimSpace(x)
	}

	if v, ok := fields["mode"]; ok {
		s, err := asString(v)
		switch m := Mode(strings.ToLower(strings.TrimSpace(s))); {
		case err != nil:
			out.Mode = prev.Mode
			warn("mode", err)
		case m == "":
			out.Mode = ModePolling
		case m == ModePolling || m == ModeWebhook:
			out.Mode = m
		default:
			out.Mode = prev.Mode
			warn("mode", fmt.Errorf("unknown mode %q", s))
		}
		if out.Mode == "" {
			out.Mode = ModePolling
		}
	}
	if out.Mode == ModeWebhook && out.WebhookURL == "" {
		warns = append(warns, "mode: webhook requires webhook_url (bot stays idle)")
	}
	return out, warns, nil
}

var errType = errors.New("unexpected type")

func isNull(v json.RawMessage) bool { return bytes.Equal(bytes.TrimSpace(v), []byte("null")) }

func asString(v json.RawMessage) (string, error) {
	if isNull(v) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), nil
	}
	return "", errType
}

func asInt64(v json.RawMessage) (int64, error) {
	if isNull(v) {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, errType
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		n = json.Number(s)
	}
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if err != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("not an integer: %s", n)
	}
	return int64(f), nil
}

func asBool(v json.RawMessage) (bool, error) {
	if isNull(v) {
		return false, nil
	}
	var b bool
	if err := json.Unmarshal(v, &b); err == nil {
		return b, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		switch n.String() {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %s", n)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return false, errType
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}

// asIDList accepts [1, "2"] or "1, 2 3".
func asIDList(v json.RawMessage) ([]int64, error) {
	if isNull(v) {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(v, &items); err == nil {
		out := make([]int64, 0, len(items))
		for _, it := range items {
			n, err := asInt64(it)
			if err != nil {
				return nil, err
			}
			if n != 0 {
				out = append(out, n)
			}
		}
		return out, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, errType
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || unicode.IsSpace(r) })
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad id %q", p)
		}
		out = append(out, n)
	}
	return out, nil
}
