package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"julian-relay/internal/domain"
	"julian-relay/internal/session"
	"julian-relay/internal/usecase"
)

const (
	envDiscordToken = "DISCORD_TOKEN"
	envOpenAIKey    = "OPENAI_API_KEY"

	ssmOpenAIToken  = "/open-ai-token"
	ssmDiscordToken = "/discord-token"

	minDiscordTokenLen = 50
)

type config struct {
	ParamPrefix string

	Model     string
	BaseURL   string
	Reasoning string
	Verbosity string
	WebSearch bool
	Stream    bool
	Timeout   time.Duration

	MemoryTurns int
	Prefixes    []string
	Scope       domain.SessionScope
	MaxSessions int
	IdleTTL     time.Duration

	Nickname        string
	Persona         string
	TranscriptTable string
	LogLevel        string
}

// openAITokenName and discordTokenName name the secrets in whichever token
// source is active: SSM parameters under the prefix, or env variables.
func (c config) openAITokenName() string {
	if c.ParamPrefix != "" {
		return c.ParamPrefix + ssmOpenAIToken
	}
	return envOpenAIKey
}

func (c config) discordTokenName() string {
	if c.ParamPrefix != "" {
		return c.ParamPrefix + ssmDiscordToken
	}
	return envDiscordToken
}

// needsAWS reports whether any component talks to AWS.
func (c config) needsAWS() bool {
	return c.ParamPrefix != "" || c.TranscriptTable != ""
}

type env func(string) string

func loadConfig(getenv env) (config, error) {
	cfg := config{
		ParamPrefix:     strings.TrimRight(strings.TrimSpace(getenv("PARAM_PREFIX")), "/"),
		Model:           envString(getenv, "OPENAI_MODEL", "gpt-5"),
		BaseURL:         envString(getenv, "OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Reasoning:       envString(getenv, "OPENAI_REASONING", "low"),
		Verbosity:       envString(getenv, "OPENAI_VERBOSITY", ""),
		WebSearch:       envBool(getenv, "OPENAI_WEB_SEARCH", false),
		Stream:          envBool(getenv, "OPENAI_STREAM", true),
		Timeout:         envDuration(getenv, "GENERATION_TIMEOUT", usecase.DefaultTimeout),
		MemoryTurns:     envInt(getenv, "OPENAI_MEMORY_TURNS", session.DefaultMaxTurns),
		Prefixes:        envList(getenv, "TRIGGER_PREFIXES", []string{"gpt", "julian"}),
		MaxSessions:     envInt(getenv, "MAX_SESSIONS", session.DefaultMaxSessions),
		IdleTTL:         envDuration(getenv, "SESSION_IDLE_TTL", 0),
		Nickname:        envString(getenv, "BOT_NICKNAME", "Julian"),
		Persona:         envString(getenv, "BOT_PERSONA", usecase.DefaultPersona),
		TranscriptTable: envString(getenv, "TRANSCRIPT_TABLE", ""),
		LogLevel:        envString(getenv, "LOG_LEVEL", "info"),
	}

	scope, err := domain.ParseSessionScope(getenv("SESSION_SCOPE"))
	if err != nil {
		return config{}, err
	}
	cfg.Scope = scope

	if cfg.ParamPrefix == "" {
		for _, key := range []string{envDiscordToken, envOpenAIKey} {
			if strings.TrimSpace(getenv(key)) == "" {
				return config{}, fmt.Errorf("required environment variable %s is not set (or set PARAM_PREFIX)", key)
			}
		}
	}
	if cfg.MemoryTurns <= 0 {
		return config{}, errors.New("OPENAI_MEMORY_TURNS must be positive")
	}
	return cfg, nil
}

// validateDiscordToken rejects values that cannot be a bot token, such as
// an application ID pasted by mistake.
func validateDiscordToken(token string) error {
	if !strings.Contains(token, ".") || len(token) < minDiscordTokenLen {
		return errors.New("discord token looks malformed (expected a bot token with dots, at least 50 characters)")
	}
	return nil
}

func envString(getenv env, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(getenv env, key string, def int) int {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envBool drops trailing "# comments" and quotes, then accepts
// 1/true/t/on/yes/y in any case.
func envBool(getenv env, key string, def bool) bool {
	v := getenv(key)
	if i := strings.IndexByte(v, '#'); i >= 0 {
		v = v[:i]
	}
	v = strings.ToLower(strings.Trim(strings.TrimSpace(v), `"'`))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "t", "on", "yes", "y":
		return true
	default:
		return false
	}
}

func envList(getenv env, key string, def []string) []string {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func envDuration(getenv env, key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
