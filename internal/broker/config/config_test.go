package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/twokc/2kc/internal/broker/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != config.ModeStandalone {
		t.Fatalf("expected standalone mode, got %s", cfg.Mode)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 2274 {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.ApprovalTimeoutMs != 300000 {
		t.Fatalf("unexpected approval timeout: %d", cfg.ApprovalTimeoutMs)
	}
	if !strings.HasSuffix(cfg.Store.Path, "/.2kc/secrets.json") {
		t.Fatalf("unexpected store path: %s", cfg.Store.Path)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"mode": "client", "server": {"authToken": "tok-abcdef"}}`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != config.ModeClient {
		t.Fatalf("expected client mode, got %s", cfg.Mode)
	}
	if cfg.Server.Port != 2274 || cfg.Server.Host != "127.0.0.1" {
		t.Fatalf("missing sections must default: %+v", cfg.Server)
	}
	if cfg.Server.AuthToken != "tok-abcdef" {
		t.Fatalf("unexpected token: %q", cfg.Server.AuthToken)
	}
}

func TestLoad_SchemaRejectsBadValues(t *testing.T) {
	for name, content := range map[string]string{
		"bad mode":    `{"mode": "cluster"}`,
		"bad port":    `{"server": {"port": 99999}}`,
		"bad policy":  `{"requireApproval": {"production": "yes"}}`,
		"bad timeout": `{"approvalTimeoutMs": 0}`,
		"not json":    `mode = standalone`,
	} {
		path := writeFile(t, "config.json", content)
		if _, err := config.Load(path); !errors.Is(err, config.ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoad_ExpandsHomeInPaths(t *testing.T) {
	path := writeFile(t, "config.json", `{"store": {"path": "~/custom/secrets.json"}}`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	home, _ := os.UserHomeDir()
	if cfg.Store.Path != filepath.Join(home, "custom/secrets.json") {
		t.Fatalf("expected expanded path, got %s", cfg.Store.Path)
	}
}

func TestRedacted(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AuthToken = "tok-1234567890"
	cfg.Discord = &config.DiscordConfig{
		WebhookURL: "https://discord.com/api/webhooks/123456/abcdef",
		BotToken:   "bot-secret-token",
		ChannelID:  "chan-1",
	}

	red := cfg.Redacted()
	if red.Server.AuthToken != "tok-..." {
		t.Fatalf("auth token not redacted: %q", red.Server.AuthToken)
	}
	if red.Discord.BotToken != "bot-..." {
		t.Fatalf("bot token not redacted: %q", red.Discord.BotToken)
	}
	if red.Discord.WebhookURL != "https://discord.com/a..." {
		t.Fatalf("webhook not redacted: %q", red.Discord.WebhookURL)
	}
	if red.Discord.ChannelID != "chan-1" {
		t.Fatalf("channel id must survive: %q", red.Discord.ChannelID)
	}
	if cfg.Server.AuthToken != "tok-1234567890" {
		t.Fatal("Redacted must not mutate the original")
	}
}

func TestSaveRoundTripAndMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := config.Default()
	cfg.Server.AuthToken = "tok-x"
	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config file must be 0600, got %o", info.Mode().Perm())
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Server.AuthToken != "tok-x" {
		t.Fatalf("round trip lost the token: %+v", loaded.Server)
	}
}

func TestApplyPolicyFile(t *testing.T) {
	cfg := config.Default()
	cfg.RequireApproval = map[string]bool{"production": true, "dev": false}

	path := writeFile(t, "policy.yaml", "requireApproval:\n  staging: true\n  dev: true\ndefaultRequireApproval: true\n")
	if err := config.ApplyPolicyFile(&cfg, path); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if !cfg.RequireApproval["staging"] || !cfg.RequireApproval["dev"] || !cfg.RequireApproval["production"] {
		t.Fatalf("overlay not applied: %+v", cfg.RequireApproval)
	}
	if !cfg.DefaultRequireApproval {
		t.Fatal("default not overridden")
	}
}

func TestApplyPolicyFile_MissingIsNoOp(t *testing.T) {
	cfg := config.Default()
	if err := config.ApplyPolicyFile(&cfg, filepath.Join(t.TempDir(), "policy.yaml")); err != nil {
		t.Fatalf("missing policy must be a no-op: %v", err)
	}
}

func TestApplyPolicyFile_InvalidYAML(t *testing.T) {
	cfg := config.Default()
	path := writeFile(t, "policy.yaml", "requireApproval: [not, a, map]")
	if err := config.ApplyPolicyFile(&cfg, path); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
