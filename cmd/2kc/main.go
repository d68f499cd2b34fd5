// Command 2kc is a local secret broker: it stores secrets, makes an
// automated agent justify access to them, asks a human when policy
// demands it, and injects approved secrets into a single child process
// with redacted output.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/twokc/2kc/common/environment"
	"github.com/twokc/2kc/common/version"
	"github.com/twokc/2kc/internal/broker/config"
	"github.com/twokc/2kc/internal/broker/observability"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	switch args[0] {
	case "secrets":
		return cmdSecrets(args[1:])
	case "request":
		return cmdRequest(args[1:])
	case "config":
		return cmdConfig(args[1:])
	case "server":
		return cmdServer(args[1:])
	case "version", "--version":
		fmt.Printf("2kc %s (%s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return 0
	case "help", "--help", "-h":
		usage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: 2kc <command> [arguments]

Commands:
  secrets list                          list stored secrets (metadata only)
  secrets add --ref <slug> --value <v>  add a secret (optional --tags a,b)
  secrets remove <uuid>                 remove a secret
  request <uuid...> --reason <r> --task <t> --cmd "<command>"
                                        request access and run a command
                                        (optional --env NAME, --duration seconds)
  config init                           write a default config file
  config show                           print the config with tokens redacted
  server start [--foreground]           start the broker server
  server stop                           stop the broker server
  server status                         report whether the server runs
  server token generate                 generate a bearer token
`)
}

// loadConfig reads the config file (--config flag, then 2KC_CONFIG, then
// the default path), applies the policy overlay, and configures logging.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		path = environment.StringOr("2KC_CONFIG", "")
	}
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if policyPath, err := config.PolicyPath(); err == nil {
		if err := config.ApplyPolicyFile(&cfg, policyPath); err != nil {
			return config.Config{}, err
		}
	}
	cfg.Log.Level = environment.StringOr("2KC_LOG_LEVEL", cfg.Log.Level)
	observability.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func background() context.Context {
	return context.Background()
}
