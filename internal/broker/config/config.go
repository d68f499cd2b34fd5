// Package config loads and validates the broker configuration.
//
// The configuration is a single JSON document, validated against a JSON
// Schema before unmarshalling so malformed files fail with a field-level
// message instead of a zero-valued struct.  An optional YAML policy file
// can overlay the tag approval rules.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalid is returned for any structurally or semantically invalid
// configuration file.
var ErrInvalid = errors.New("config: invalid configuration")

// Mode selects how the CLI reaches the broker components.
type Mode string

const (
	// ModeStandalone runs every component in-process.
	ModeStandalone Mode = "standalone"
	// ModeClient talks to a running broker server over HTTP.
	ModeClient Mode = "client"
)

// Defaults.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 2274
	DefaultApprovalTimeoutMs = 300000
)

type ServerConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AuthToken string `json:"authToken"`
}

type StoreConfig struct {
	Path string `json:"path"`
}

type DiscordConfig struct {
	WebhookURL string `json:"webhookUrl"`
	BotToken   string `json:"botToken"`
	ChannelID  string `json:"channelId"`
}

type MatrixConfig struct {
	Homeserver  string `json:"homeserver"`
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
	RoomID      string `json:"roomId"`
}

type SandboxConfig struct {
	Enabled bool   `json:"enabled"`
	Image   string `json:"image"`
}

type AuditConfig struct {
	Path string `json:"path"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Config is the full broker configuration.
type Config struct {
	Mode                   Mode            `json:"mode"`
	Server                 ServerConfig    `json:"server"`
	Store                  StoreConfig     `json:"store"`
	Discord                *DiscordConfig  `json:"discord,omitempty"`
	Matrix                 *MatrixConfig   `json:"matrix,omitempty"`
	Sandbox                SandboxConfig   `json:"sandbox"`
	Audit                  AuditConfig     `json:"audit"`
	Log                    LogConfig       `json:"log"`
	RequireApproval        map[string]bool `json:"requireApproval"`
	DefaultRequireApproval bool            `json:"defaultRequireApproval"`
	ApprovalTimeoutMs      int             `json:"approvalTimeoutMs"`
}

// Dir returns the broker's home directory, ~/.2kc.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".2kc"), nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Mode: ModeStandalone,
		Server: ServerConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Store:                  StoreConfig{Path: "~/.2kc/secrets.json"},
		Audit:                  AuditConfig{Path: "~/.2kc/audit.db"},
		Log:                    LogConfig{Level: "info", Format: "text"},
		RequireApproval:        map[string]bool{},
		DefaultRequireApproval: false,
		ApprovalTimeoutMs:      DefaultApprovalTimeoutMs,
	}
}

// Load reads, validates, and normalizes the config at path.  A missing
// file yields the defaults.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return expandPaths(Default())
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if cfg.RequireApproval == nil {
		cfg.RequireApproval = map[string]bool{}
	}

	return expandPaths(cfg)
}

func expandPaths(cfg Config) (Config, error) {
	var err error
	cfg.Store.Path, err = ExpandHome(cfg.Store.Path)
	if err != nil {
		return Config{}, err
	}
	cfg.Audit.Path, err = ExpandHome(cfg.Audit.Path)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON with owner-only permissions.
// The auth token lives in this file.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ApprovalTimeout returns the timeout as a duration.
func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMs) * time.Millisecond
}

// Redacted returns a copy safe to print: tokens keep their first 4
// characters, the webhook URL its first 20.
func (c Config) Redacted() Config {
	out := c
	out.Server.AuthToken = redactTail(c.Server.AuthToken, 4)
	if c.Discord != nil {
		d := *c.Discord
		d.BotToken = redactTail(d.BotToken, 4)
		d.WebhookURL = redactTail(d.WebhookURL, 20)
		out.Discord = &d
	}
	if c.Matrix != nil {
		m := *c.Matrix
		m.AccessToken = redactTail(m.AccessToken, 4)
		out.Matrix = &m
	}
	return out
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

func redactTail(s string, keep int) string {
	if s == "" {
		return ""
	}
	if len(s) > keep {
		s = s[:keep]
	}
	return s + "..."
}

const schemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "mode": {"enum": ["standalone", "client"]},
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "authToken": {"type": "string"}
      }
    },
    "store": {
      "type": "object",
      "properties": {"path": {"type": "string", "minLength": 1}}
    },
    "discord": {
      "type": "object",
      "properties": {
        "webhookUrl": {"type": "string"},
        "botToken": {"type": "string"},
        "channelId": {"type": "string"}
      }
    },
    "matrix": {
      "type": "object",
      "properties": {
        "homeserver": {"type": "string"},
        "userId": {"type": "string"},
        "accessToken": {"type": "string"},
        "roomId": {"type": "string"}
      }
    },
    "sandbox": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "image": {"type": "string"}
      }
    },
    "audit": {
      "type": "object",
      "properties": {"path": {"type": "string"}}
    },
    "log": {
      "type": "object",
      "properties": {
        "level": {"enum": ["debug", "info", "warn", "error"]},
        "format": {"enum": ["text", "json"]}
      }
    },
    "requireApproval": {
      "type": "object",
      "additionalProperties": {"type": "boolean"}
    },
    "defaultRequireApproval": {"type": "boolean"},
    "approvalTimeoutMs": {"type": "integer", "minimum": 1}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://2kc.schemas.local/config.schema.json"
	if err := c.AddResource(url, strings.NewReader(schemaDoc)); err != nil {
		panic(fmt.Sprintf("config schema: %v", err))
	}
	return c.MustCompile(url)
}
