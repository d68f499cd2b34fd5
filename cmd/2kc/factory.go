package main

import (
	"fmt"
	"log/slog"

	"github.com/twokc/2kc/internal/broker/audit"
	"github.com/twokc/2kc/internal/broker/channel"
	"github.com/twokc/2kc/internal/broker/config"
	"github.com/twokc/2kc/internal/broker/grant"
	"github.com/twokc/2kc/internal/broker/inject"
	"github.com/twokc/2kc/internal/broker/request"
	"github.com/twokc/2kc/internal/broker/secrets"
	"github.com/twokc/2kc/internal/broker/service"
	"github.com/twokc/2kc/internal/broker/workflow"
)

// buildChannel picks the configured approval channel.  Discord wins when
// both are configured; with neither, approvals fail loudly and audit
// notifications are dropped.
func buildChannel(cfg config.Config) (channel.Channel, error) {
	if cfg.Discord != nil && cfg.Discord.WebhookURL != "" {
		return channel.NewDiscord(channel.DiscordConfig{
			WebhookURL: cfg.Discord.WebhookURL,
			BotToken:   cfg.Discord.BotToken,
			ChannelID:  cfg.Discord.ChannelID,
		})
	}
	if cfg.Matrix != nil && cfg.Matrix.Homeserver != "" {
		return channel.NewMatrix(channel.MatrixConfig{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.AccessToken,
			RoomID:      cfg.Matrix.RoomID,
		})
	}
	return channel.Disabled{}, nil
}

func buildRunner(cfg config.Config) (inject.Runner, error) {
	if cfg.Sandbox.Enabled {
		return inject.NewDockerRunner(cfg.Sandbox.Image)
	}
	return inject.HostRunner{}, nil
}

// buildLocal assembles the in-process facade.
func buildLocal(cfg config.Config, logger *slog.Logger) (*service.Local, channel.Channel, error) {
	ch, err := buildChannel(cfg)
	if err != nil {
		return nil, nil, err
	}
	runner, err := buildRunner(cfg)
	if err != nil {
		return nil, nil, err
	}

	store := secrets.New(cfg.Store.Path)
	requests := request.NewLog()
	grants := grant.NewManager()
	engine := workflow.New(store, ch, workflow.Policy{
		RequireApproval:        cfg.RequireApproval,
		DefaultRequireApproval: cfg.DefaultRequireApproval,
		ApprovalTimeout:        cfg.ApprovalTimeout(),
	}, logger)
	injector := inject.New(grants, store, runner, logger)
	return service.NewLocal(store, requests, engine, grants, injector), ch, nil
}

// buildFacade returns the realization selected by cfg.Mode.
func buildFacade(cfg config.Config, logger *slog.Logger) (service.Facade, channel.Channel, error) {
	switch cfg.Mode {
	case config.ModeClient:
		if cfg.Server.AuthToken == "" {
			return nil, nil, fmt.Errorf("client mode requires server.authToken in the config")
		}
		base := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
		ch, err := buildChannel(cfg)
		if err != nil {
			return nil, nil, err
		}
		return service.NewClient(base, cfg.Server.AuthToken), ch, nil
	default:
		return buildLocal(cfg, logger)
	}
}

// buildTrail assembles the audit trail: the approval channel doubles as
// the notifier, and events are persisted to the local SQLite log.
func buildTrail(cfg config.Config, ch channel.Channel) (*audit.Trail, func(), error) {
	var log *audit.LogStore
	if cfg.Audit.Path != "" {
		var err error
		log, err = audit.OpenLog(cfg.Audit.Path)
		if err != nil {
			return nil, nil, err
		}
	}
	var notifier audit.Notifier
	if _, disabled := ch.(channel.Disabled); !disabled {
		notifier = ch
	}
	closeLog := func() {
		if log != nil {
			_ = log.Close()
		}
	}
	return audit.NewTrail(notifier, log, nil), closeLog, nil
}
