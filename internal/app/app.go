// Package app wires configuration, storage, the oracle stack and the
// engine together, and runs the maintenance scheduler.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"triagebot/internal/config"
	"triagebot/internal/engine"
	"triagebot/internal/library"
	"triagebot/internal/notify"
	"triagebot/internal/oracle"
	"triagebot/internal/storage/sqlite"
)

type App struct {
	Config *config.Config
	DB     *sql.DB
	Lib    *library.Store
	Engine *engine.Engine

	llm *oracle.LLM
}

// New builds the full pipeline from configuration. The caller owns
// closing App.DB.
func New(cfg *config.Config) (*App, error) {
	db, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	lib, err := library.Load(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load library: %w", err)
	}
	if cfg.SeedPath != "" {
		if err := lib.ApplySeed(cfg.SeedPath); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed library: %w", err)
		}
	}

	o, llm, err := buildOracle(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.SlackBotToken != "" && cfg.SlackChannelID != "" {
		notifier = notify.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackChannelID)
	}

	eng, err := engine.New(cfg, db, lib, o, notifier)
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("triage engine ready version=%d scenarios=%d rules=%d oracle=%s",
		lib.Version(), len(lib.ActiveScenarios()), len(lib.ActiveRules()), cfg.OracleProvider)
	return &App{Config: cfg, DB: db, Lib: lib, Engine: eng, llm: llm}, nil
}

func buildOracle(cfg *config.Config) (oracle.Oracle, *oracle.LLM, error) {
	var client *oracle.LLM
	switch cfg.OracleProvider {
	case "anthropic":
		client = oracle.NewLLM(oracle.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.OracleModel))
	case "openai":
		client = oracle.NewLLM(oracle.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OracleModel))
	default:
		return nil, nil, fmt.Errorf("unknown oracle provider %q", cfg.OracleProvider)
	}
	retrying := oracle.NewRetrying(client, cfg.OracleMaxAttempts, cfg.OracleRetryBase(), cfg.OracleTimeout())
	return oracle.NewCaching(retrying, cfg.OracleCacheTTL()), client, nil
}

// StartMaintenanceScheduler runs catch-up learning during quiet hours:
// any batch whose in-process trigger was lost (crash, deploy) gets picked
// up here, and stale statistics are logged. Batch claims make the
// catch-up safe to repeat.
func (a *App) StartMaintenanceScheduler() {
	schedule := a.Config.MaintenanceSchedule
	if schedule == "" {
		log.Println("Maintenance disabled: no schedule configured")
		return
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		log.Printf("Invalid maintenance_schedule '%s': %v — maintenance disabled", schedule, err)
		return
	}
	log.Printf("Maintenance scheduled (cron: %s)", schedule)

	go func() {
		for {
			now := time.Now().In(a.Config.Location)
			next := sched.Next(now)
			wait := next.Sub(now)
			log.Printf("Next maintenance at %s (in %s)", next.Format("Mon Jan 2 15:04"), wait.Round(time.Minute))

			time.Sleep(wait)
			a.runMaintenance()
		}
	}()
}

func (a *App) runMaintenance() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := a.Engine.TriggerPatternAnalysis(ctx); err != nil {
		log.Printf("Maintenance pattern analysis error: %v", err)
	}
	if err := a.Engine.TriggerDeepOptimization(ctx); err != nil {
		log.Printf("Maintenance deep optimization error: %v", err)
	}

	stats, err := a.Engine.Stats(time.Now().AddDate(0, 0, -7))
	if err != nil {
		log.Printf("Maintenance stats error: %v", err)
		return
	}
	usage := a.llm.UsageTotals()
	log.Printf("Maintenance complete: classifications_7d=%d feedback=%d corrections=%d avg_alignment=%.1f oracle_tokens_in=%d oracle_tokens_out=%d",
		stats.TotalClassifications, stats.TotalFeedback, stats.TotalCorrections, stats.AvgAlignment,
		usage.InputTokens, usage.OutputTokens)
}
