package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"panelbot/internal/accounts"
	"panelbot/internal/botconfig"
	"panelbot/internal/config"
	"panelbot/internal/storage"
	logx "panelbot/pkg/logx"
)

var reveal bool

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Read or write named settings blobs in the shared database",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a settings blob (secrets masked unless --reveal)",
	Args:  cobra.ExactArgs(1),
	RunE:  settingsGet,
}

var settingsPutCmd = &cobra.Command{
	Use:   "put <key> <file|->",
	Short: "Replace a settings blob from a file or stdin",
	Long: `Replace a settings blob. The bot settings ("bot") are checked first:
malformed fields are reported and the write is refused. A running bot
picks the change up on its next reload.`,
	Args: cobra.ExactArgs(2),
	RunE: settingsPut,
}

func init() {
	settingsGetCmd.Flags().BoolVar(&reveal, "reveal", false, "print secrets unmasked")
	settingsCmd.AddCommand(settingsGetCmd, settingsPutCmd)
}

func openStore() (storage.Store, error) {
	cfg, err := config.NewManager(configFile).Parse()
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if tz := cfg.Accounts.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	cutoff, _ := accounts.ParseCutoff(cfg.Accounts.Cutoff)
	return storage.Open(storage.Config{
		Driver:   cfg.Storage.Driver,
		Path:     cfg.Storage.Path,
		Location: loc,
		Cutoff:   cutoff,
	}, logx.Nop())
}

func settingsGet(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	raw, ok, err := st.GetSetting(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("setting %q not found", args[0])
	}
	out, err := renderSetting(args[0], raw, reveal)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

// renderSetting pretty-prints raw; the bot settings are decoded and
// masked first.
func renderSetting(key string, raw json.RawMessage, reveal bool) ([]byte, error) {
	if key == botconfig.SettingsKey && !reveal {
		cfg, _, err := botconfig.Parse(raw, botconfig.Default())
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(cfg.Redacted(), "", "  ")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func settingsPut(cmd *cobra.Command, args []string) error {
	key, src := args[0], args[1]
	var (
		raw []byte
		err error
	)
	if src == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(src)
	}
	if err != nil {
		return err
	}
	if err := checkSetting(key, raw); err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if err := st.PutSetting(ctx, key, json.RawMessage(raw)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "setting %q updated (%d bytes)\n", key, len(raw))
	return nil
}

func checkSetting(key string, raw []byte) error {
	if !json.Valid(raw) {
		return fmt.Errorf("setting %q: not valid JSON", key)
	}
	if key != botconfig.SettingsKey {
		return nil
	}
	_, warns, err := botconfig.Parse(raw, botconfig.Default())
	if err != nil {
		return err
	}
	if len(warns) > 0 {
		return fmt.Errorf("bot settings rejected: %v", warns)
	}
	return nil
}
