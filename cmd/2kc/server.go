package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/twokc/2kc/internal/broker/daemon"
	"github.com/twokc/2kc/internal/broker/observability"
	"github.com/twokc/2kc/internal/broker/server"
)

func cmdServer(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: 2kc server {start|stop|status|token generate}")
		return 1
	}
	switch args[0] {
	case "start":
		return serverStart(args[1:])
	case "stop":
		return serverStop()
	case "status":
		return serverStatus()
	case "token":
		if len(args) == 2 && args[1] == "generate" {
			fmt.Println(generateToken())
			return 0
		}
		fmt.Fprintln(os.Stderr, "Usage: 2kc server token generate")
		return 1
	default:
		fmt.Fprintf(os.Stderr, "Unknown server command %q\n", args[0])
		return 1
	}
}

func serverStart(args []string) int {
	fs := flag.NewFlagSet("server start", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	foreground := fs.Bool("foreground", false, "run in the foreground instead of detaching")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if !*foreground {
		pid, err := daemon.Start(*configPath)
		if err != nil {
			return fail(err)
		}
		fmt.Printf("Server started (pid %d)\n", pid)
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return fail(err)
	}
	logger := observability.Setup(cfg.Log.Level, cfg.Log.Format)

	facade, _, err := buildLocal(cfg, logger)
	if err != nil {
		return fail(err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv, err := server.New(facade, addr, cfg.Server.AuthToken, logger)
	if err != nil {
		if errors.Is(err, server.ErrNoAuthToken) {
			fmt.Fprintln(os.Stderr, "Error: no auth token configured. Generate one with: 2kc server token generate")
			return 1
		}
		return fail(err)
	}

	if pidPath, err := daemon.PIDPath(); err == nil {
		if err := daemon.WritePID(pidPath, os.Getpid()); err != nil {
			logger.Warn("write pid file", "error", err)
		}
		defer os.Remove(pidPath)
	}

	ctx, stop := signal.NotifyContext(background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.ListenAndServe(ctx); err != nil {
		return fail(err)
	}
	return 0
}

func serverStop() int {
	if err := daemon.Stop(); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("Server is not running.")
			return 1
		}
		return fail(err)
	}
	fmt.Println("Server stopped.")
	return 0
}

func serverStatus() int {
	pidPath, err := daemon.PIDPath()
	if err != nil {
		return fail(err)
	}
	if pid, running := daemon.Status(pidPath); running {
		fmt.Printf("Server is running (pid %d)\n", pid)
		return 0
	}
	fmt.Println("Server is not running.")
	return 1
}

// generateToken returns a 32-byte random bearer token, URL-safe base64.
func generateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("generate token: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
