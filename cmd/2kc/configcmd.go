package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/twokc/2kc/internal/broker/config"
)

func cmdConfig(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: 2kc config {init|show}")
		return 1
	}
	switch args[0] {
	case "init":
		return configInit(args[1:])
	case "show":
		return configShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command %q\n", args[0])
		return 1
	}
}

func configInit(args []string) int {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return fail(err)
		}
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "Config already exists at %s\n", path)
		return 1
	}

	cfg := config.Default()
	cfg.Server.AuthToken = generateToken()
	if err := config.Save(path, cfg); err != nil {
		return fail(err)
	}
	fmt.Printf("Wrote %s\n", path)
	return 0
}

func configShow(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}

	out, err := json.MarshalIndent(cfg.Redacted(), "", "  ")
	if err != nil {
		return fail(err)
	}
	fmt.Println(string(out))
	return 0
}
