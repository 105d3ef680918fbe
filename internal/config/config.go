package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/darksquare/arena/internal/domain"
)

// AppConfig is the env-driven process configuration.
type AppConfig struct {
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL,required"`

	StockfishPath string `env:"STOCKFISH_PATH,required"`
	EngineGraceMs int    `env:"ENGINE_GRACE_MS" envDefault:"2000"`

	// ArenaFile optionally overrides the built-in time-control catalog and
	// bot roster.
	ArenaFile string `env:"ARENA_FILE"`

	SweepIntervalMs   int `env:"SWEEP_INTERVAL_MS" envDefault:"2000"`
	SweepIdleGraceMs  int `env:"SWEEP_IDLE_GRACE_MS" envDefault:"10000"`
	BotFallbackSec    int `env:"BOT_FALLBACK_SEC" envDefault:"20"`
	BotDelayMinMs     int `env:"BOT_DELAY_MIN_MS" envDefault:"1200"`
	BotDelayMaxMs     int `env:"BOT_DELAY_MAX_MS" envDefault:"2600"`
	DrawOfferTTLSec   int `env:"DRAW_OFFER_TTL_SEC" envDefault:"120"`
	EngineSessionsMax int `env:"ENGINE_SESSIONS_MAX" envDefault:"0"`

	TimeControls []domain.TimeControl `env:"-"`
	Bots         []domain.BotProfile  `env:"-"`
}

func (c *AppConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

func (c *AppConfig) SweepIdleGrace() time.Duration {
	return time.Duration(c.SweepIdleGraceMs) * time.Millisecond
}

func (c *AppConfig) BotFallbackAfter() time.Duration {
	return time.Duration(c.BotFallbackSec) * time.Second
}

func (c *AppConfig) DrawOfferTTL() time.Duration {
	return time.Duration(c.DrawOfferTTLSec) * time.Second
}

// arenaFile is the YAML shape of the optional catalog override.
type arenaFile struct {
	TimeControls []domain.TimeControl `yaml:"time_controls"`
	Bots         []domain.BotProfile  `yaml:"bots"`
}

// Load parses env config and the arena catalog. A missing ARENA_FILE falls
// back to the built-in defaults.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if cfg.BotDelayMaxMs < cfg.BotDelayMinMs {
		return nil, fmt.Errorf("BOT_DELAY_MAX_MS (%d) below BOT_DELAY_MIN_MS (%d)", cfg.BotDelayMaxMs, cfg.BotDelayMinMs)
	}

	cfg.TimeControls = DefaultTimeControls()
	cfg.Bots = DefaultBots()

	if path := strings.TrimSpace(cfg.ArenaFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read arena file: %w", err)
		}
		var af arenaFile
		if err := yaml.Unmarshal(raw, &af); err != nil {
			return nil, fmt.Errorf("parse arena file: %w", err)
		}
		if len(af.TimeControls) > 0 {
			cfg.TimeControls = af.TimeControls
		}
		if len(af.Bots) > 0 {
			cfg.Bots = af.Bots
		}
	}

	if err := validateCatalog(cfg.TimeControls, cfg.Bots); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateCatalog(tcs []domain.TimeControl, bots []domain.BotProfile) error {
	if len(tcs) == 0 {
		return fmt.Errorf("time-control catalog is empty")
	}
	seen := make(map[string]struct{}, len(tcs))
	for _, tc := range tcs {
		if strings.TrimSpace(tc.Slug) == "" {
			return fmt.Errorf("time control with empty slug")
		}
		if _, dup := seen[tc.Slug]; dup {
			return fmt.Errorf("duplicate time control slug %q", tc.Slug)
		}
		seen[tc.Slug] = struct{}{}
		if tc.InitialSec <= 0 {
			return fmt.Errorf("time control %s: initial_sec must be > 0", tc.Slug)
		}
		if tc.IncrementMs < 0 {
			return fmt.Errorf("time control %s: increment_ms must be >= 0", tc.Slug)
		}
		if strings.TrimSpace(tc.TimeClass) == "" {
			return fmt.Errorf("time control %s: time_class required", tc.Slug)
		}
	}
	for _, b := range bots {
		if strings.TrimSpace(b.ID) == "" {
			return fmt.Errorf("bot with empty id")
		}
		if b.Rating <= 0 {
			return fmt.Errorf("bot %s: rating must be > 0", b.ID)
		}
	}
	return nil
}

// DefaultTimeControls mirrors the seeded production catalog.
func DefaultTimeControls() []domain.TimeControl {
	return []domain.TimeControl{
		{Slug: "1+0", InitialSec: 60, IncrementMs: 0, TimeClass: "bullet"},
		{Slug: "3+0", InitialSec: 180, IncrementMs: 0, TimeClass: "blitz"},
		{Slug: "3+2", InitialSec: 180, IncrementMs: 2000, TimeClass: "blitz"},
		{Slug: "5+0", InitialSec: 300, IncrementMs: 0, TimeClass: "blitz"},
		{Slug: "10+0", InitialSec: 600, IncrementMs: 0, TimeClass: "rapid"},
	}
}

// DefaultBots is the ladder of computer opponents, one per strength step.
func DefaultBots() []domain.BotProfile {
	return []domain.BotProfile{
		{ID: "bot-guest", Name: "DarkSquare Guest", Rating: 600},
		{ID: "bot-challenger", Name: "DarkSquare Challenger", Rating: 800},
		{ID: "bot-rival", Name: "DarkSquare Rival", Rating: 1000},
		{ID: "bot-expert", Name: "DarkSquare Expert", Rating: 1200},
		{ID: "bot-master", Name: "DarkSquare Master", Rating: 1400},
		{ID: "bot-grandmaster", Name: "DarkSquare Grandmaster", Rating: 1600},
		{ID: "bot-supergm", Name: "DarkSquare SuperGM", Rating: 1800},
		{ID: "bot-prime", Name: "DarkSquare Bot", Rating: 2000},
		{ID: "bot-pro", Name: "DarkSquare Bot Pro", Rating: 2200},
		{ID: "bot-elite", Name: "DarkSquare Bot Elite", Rating: 2400},
		{ID: "bot-supreme", Name: "DarkSquare Bot Supreme", Rating: 2600},
		{ID: "bot-ultimate", Name: "DarkSquare Bot Ultimate", Rating: 2800},
	}
}
