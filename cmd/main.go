package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/fatih/color"

	"julian-relay/handler"
	"julian-relay/internal/dedupe"
	"julian-relay/internal/delivery"
	"julian-relay/internal/generation"
	"julian-relay/internal/integrations/discord"
	"julian-relay/internal/integrations/openai"
	"julian-relay/internal/integrations/paramstore"
	"julian-relay/internal/repository"
	"julian-relay/internal/session"
	"julian-relay/internal/trigger"
	"julian-relay/internal/usecase"
)

const banner = `
     _       _ _
    (_)_   _| (_) __ _ _ __
    | | | | | | |/ _' | '_ \
    | | |_| | | | (_| | | | |
   _/ |\__,_|_|_|\__,_|_| |_|
  |__/          relay
`

func main() {
	if err := run(); err != nil {
		slog.Error("julian-relay stopped", "err", err)
		os.Exit(1)
	}
}

func run() error {
	// ---- Configuration (read only here) ----
	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := setupLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	printBanner(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- Secrets and AWS clients ----
	var tokens paramstore.TokenSource = paramstore.Env{Lookup: os.LookupEnv}
	var archive usecase.TranscriptWriter
	if cfg.needsAWS() {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		if cfg.ParamPrefix != "" {
			ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
			if err != nil {
				return fmt.Errorf("create SSM client: %w", err)
			}
			tokens = ssmClient
		}
		if cfg.TranscriptTable != "" {
			repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.TranscriptTable)
			if err != nil {
				return fmt.Errorf("create transcript archive: %w", err)
			}
			archive = repo
		}
	}

	discordToken, err := tokens.Token(ctx, cfg.discordTokenName())
	if err != nil {
		return fmt.Errorf("resolve discord token: %w", err)
	}
	if err := validateDiscordToken(discordToken); err != nil {
		return err
	}

	// ---- Generation ----
	openaiClient, err := openai.NewClient(tokens, cfg.openAITokenName(), openai.WithBaseURL(cfg.BaseURL))
	if err != nil {
		return fmt.Errorf("create OpenAI client: %w", err)
	}
	driver, err := generation.NewDriver(openaiClient, generation.Options{
		Model:           cfg.Model,
		ReasoningEffort: cfg.Reasoning,
		Verbosity:       cfg.Verbosity,
		WebSearch:       cfg.WebSearch,
	})
	if err != nil {
		return fmt.Errorf("create generation driver: %w", err)
	}

	// ---- Relay ----
	store := session.NewStore(
		session.WithMaxTurns(cfg.MemoryTurns),
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithIdleTTL(cfg.IdleTTL),
	)
	relay, err := usecase.NewRelayService(store, trigger.NewRouter(cfg.Prefixes), driver, delivery.NewController(), archive, logger, usecase.RelayConfig{
		Persona: cfg.Persona,
		Stream:  cfg.Stream,
		Scope:   cfg.Scope,
		Timeout: cfg.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create relay service: %w", err)
	}

	// ---- Discord ----
	gw, err := discord.NewGateway(discordToken, cfg.Nickname, logger)
	if err != nil {
		return fmt.Errorf("create discord gateway: %w", err)
	}
	seen := dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxKeys)
	h, err := handler.NewHandler(relay, gw.Session(), seen, logger)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	go store.Run(ctx)
	go seen.Run(ctx)

	if err := gw.Open(ctx, h); err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("close gateway", "err", err)
		}
	}()

	logger.Info("julian-relay running",
		"model", cfg.Model,
		"stream", cfg.Stream,
		"scope", string(cfg.Scope),
		"memory_turns", store.MaxTurns(),
	)
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func printBanner(cfg config) {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	green := color.New(color.FgGreen)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Model", cfg.Model)
	line("Prefixes", strings.Join(cfg.Prefixes, ", "))
	line("Scope", string(cfg.Scope))
	line("Streaming", fmt.Sprint(cfg.Stream))
	if cfg.WebSearch {
		line("Tools", "web_search")
	}
	if cfg.ParamPrefix != "" {
		line("Secrets", "SSM "+cfg.ParamPrefix)
	}
	if cfg.TranscriptTable != "" {
		line("Archive", cfg.TranscriptTable)
	}
	fmt.Println()
}
