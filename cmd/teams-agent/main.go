package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	deflog "github.com/rs/zerolog/log"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/teams-agents/internal/config"
	"go.mau.fi/teams-agents/internal/delivery"
	"go.mau.fi/teams-agents/internal/refstore"
	"go.mau.fi/teams-agents/internal/teams/auth"
	"go.mau.fi/teams-agents/internal/teams/client"
)

var configPath = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
var listenAddr = flag.MakeFull("l", "listen", "Override the HTTP listen address.", "").String()
var markdown = flag.MakeFull("m", "markdown", "Render send text as markdown.", "false").Bool()
var tenantID = flag.MakeFull("t", "tenant", "Tenant id used when no stored reference matches.", "").String()

const defaultListen = ":3978"

func main() {
	flag.SetHelpTitles("teams-agent", "teams-agent [-c <path>] [serve | send <target> <text> | references]")
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}
	envCfg, err := config.ParseEnv(nil)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse environment:", err)
		os.Exit(1)
	}
	log, err := setupLogger(cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	store, closeStore, err := openStore(ctx, cfg, envCfg, *log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open conversation reference store")
		os.Exit(1)
	}
	defer closeStore()

	args := flag.Args()
	command := "serve"
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}
	switch command {
	case "serve":
		err = runServe(ctx, cfg, envCfg, store, *log)
	case "send":
		err = runSend(ctx, cfg, envCfg, store, *log, args)
	case "references":
		err = runReferences(ctx, store)
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		log.Error().Err(err).Str("command", command).Msg("Command failed")
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) (*zerolog.Logger, error) {
	log, err := cfg.Logging.Compile()
	if err != nil {
		return nil, err
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.CallerMarshalFunc = exzerolog.CallerWithFunctionName
	deflog.Logger = log.With().Bool("global_log", true).Caller().Logger()
	return log, nil
}

func openStore(ctx context.Context, cfg *config.Config, envCfg *config.EnvConfig, log zerolog.Logger) (*refstore.Store, func(), error) {
	storeLog := log.With().Str("component", "refstore").Logger()
	opts := []refstore.Option{refstore.WithLogger(storeLog), refstore.WithCacheTTL(cfg.Store.CacheTTL)}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Type)) {
	case "", "file":
		path := config.ResolveStorePath(cfg, envCfg)
		if path == "" {
			path = filepath.Join(filepath.Dir(*configPath), "conversations.json")
		}
		return refstore.New(refstore.NewFileBackend(path, storeLog), opts...), func() {}, nil
	case "database":
		db, err := refstore.OpenDB(ctx, cfg.Store.Dialect, cfg.Store.URI, storeLog)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close database")
			}
		}
		return refstore.New(db, opts...), closeDB, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

func newSender(cfg *config.Config, envCfg *config.EnvConfig, store *refstore.Store, log zerolog.Logger) *delivery.Sender {
	exchanger := auth.NewExchanger(auth.NewTokenCache(nil, nil), log.With().Str("component", "token_exchange").Logger())
	if url, token := config.ResolveTokenCallback(cfg, envCfg); url != "" {
		exchanger.Callback = auth.NewCallbackSource(url, token, nil)
	}
	identity := config.ResolveAgentIdentity(cfg, envCfg)
	if identity == "" {
		log.Warn().Msg("No agent identity configured, outbound sends need one in the request scope")
	}
	return &delivery.Sender{
		Resolver:  delivery.NewResolver(store, log.With().Str("component", "delivery").Logger()),
		Tokens:    exchanger,
		Transport: client.NewConnectorClient(nil, log.With().Str("component", "connector").Logger()),
		TokenConfig: func() auth.GraphTokenConfig {
			current, err := config.ParseEnv(nil)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to re-read environment, using startup values")
				current = envCfg
			}
			return config.GraphTokenConfigFrom(cfg, current)
		},
		AgentIdentity: identity,
		Log:           log.With().Str("component", "sender").Logger(),
	}
}

func runSend(ctx context.Context, cfg *config.Config, envCfg *config.EnvConfig, store *refstore.Store, log zerolog.Logger, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <target> <text>")
	}
	sender := newSender(cfg, envCfg, store, log)
	res := sender.Send(ctx, delivery.Request{To: args[0], TenantID: *tenantID}, delivery.Payload{
		Text:     strings.Join(args[1:], " "),
		Markdown: *markdown,
	})
	if !res.OK {
		return fmt.Errorf("%s: %w", res.Reason, res.Err)
	}
	return printJSON(res)
}

func runReferences(ctx context.Context, store *refstore.Store) error {
	refs, err := store.List(ctx)
	if err != nil {
		return err
	}
	return printJSON(refs)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
