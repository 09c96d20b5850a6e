package main

import (
	"context"

	"github.com/rs/zerolog"

	"go.mau.fi/teams-agents/internal/config"
	"go.mau.fi/teams-agents/internal/refstore"
	"go.mau.fi/teams-agents/internal/server"
)

func runServe(ctx context.Context, cfg *config.Config, envCfg *config.EnvConfig, store *refstore.Store, log zerolog.Logger) error {
	creds, ok := config.ResolveCredentials(cfg, envCfg)
	if !ok {
		log.Warn().Msg("Bot credentials are not configured, Teams channel disabled")
		return nil
	}
	log.Info().Str("app_id", creds.AppID).Str("tenant_id", creds.TenantID).Msg("Teams channel enabled")

	addr := *listenAddr
	if addr == "" {
		addr = cfg.Server.Listen
	}
	if addr == "" {
		addr = defaultListen
	}
	srv := server.New(store, newSender(cfg, envCfg, store, log), config.ResolveServerToken(cfg, envCfg), log.With().Str("component", "server").Logger())
	return srv.ListenAndServe(ctx, addr)
}
