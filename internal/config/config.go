package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the triage engine. The learning
// constants (thresholds, EMA weights, penalty multipliers) are tunable
// parameters, not contracts; the defaults below are the shipped values.
type Config struct {
	OracleProvider  string `yaml:"oracle_provider"`
	OracleModel     string `yaml:"oracle_model"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`

	OracleTimeoutSeconds  int `yaml:"oracle_timeout_seconds"`
	OracleMaxAttempts     int `yaml:"oracle_max_attempts"`
	OracleRetryBaseMillis int `yaml:"oracle_retry_base_millis"`
	OracleCacheTTLSeconds int `yaml:"oracle_cache_ttl_seconds"`

	DBPath   string `yaml:"db_path"`
	SeedPath string `yaml:"seed_path"`

	MatchThreshold     int `yaml:"match_threshold"`
	AmbiguousThreshold int `yaml:"ambiguous_threshold"`
	MatchAlternatives  int `yaml:"match_alternatives"`

	ValidationPassEnabled bool    `yaml:"validation_pass_enabled"`
	DisagreementPenalty   float64 `yaml:"disagreement_penalty"`

	AccuracyEMAWeight     float64 `yaml:"accuracy_ema_weight"`
	AccuracyFlagThreshold float64 `yaml:"accuracy_flag_threshold"`

	PatternBatchSize        int     `yaml:"pattern_batch_size"`
	DeepBatchSize           int     `yaml:"deep_batch_size"`
	RuleAutoApplyConfidence float64 `yaml:"rule_auto_apply_confidence"`
	CorrectionRateThreshold float64 `yaml:"correction_rate_threshold"`
	MergeFeedbackMin        int     `yaml:"merge_feedback_min"`
	SplitShareThreshold     float64 `yaml:"split_share_threshold"`
	DuplicateSimilarity     float64 `yaml:"duplicate_similarity"`

	MaintenanceSchedule string `yaml:"maintenance_schedule"`
	Timezone            string `yaml:"timezone"`

	SlackBotToken  string `yaml:"slack_bot_token"`
	SlackChannelID string `yaml:"slack_channel_id"`

	Location *time.Location `yaml:"-"`
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.OracleProvider, "ORACLE_PROVIDER")
	envOverride(&cfg.OracleModel, "ORACLE_MODEL")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	envOverrideInt(&cfg.OracleTimeoutSeconds, "ORACLE_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.OracleMaxAttempts, "ORACLE_MAX_ATTEMPTS")
	envOverrideInt(&cfg.OracleRetryBaseMillis, "ORACLE_RETRY_BASE_MILLIS")
	envOverrideInt(&cfg.OracleCacheTTLSeconds, "ORACLE_CACHE_TTL_SECONDS")
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.SeedPath, "SEED_PATH")
	envOverrideInt(&cfg.MatchThreshold, "MATCH_THRESHOLD")
	envOverrideInt(&cfg.AmbiguousThreshold, "AMBIGUOUS_THRESHOLD")
	envOverrideFloat(&cfg.DisagreementPenalty, "DISAGREEMENT_PENALTY")
	envOverrideFloat(&cfg.AccuracyEMAWeight, "ACCURACY_EMA_WEIGHT")
	envOverride(&cfg.MaintenanceSchedule, "MAINTENANCE_SCHEDULE")
	envOverride(&cfg.Timezone, "TIMEZONE")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")

	// Defaults
	if cfg.OracleProvider == "" {
		cfg.OracleProvider = "anthropic"
	}
	if cfg.OracleTimeoutSeconds == 0 {
		cfg.OracleTimeoutSeconds = 8
	}
	if cfg.OracleMaxAttempts == 0 {
		cfg.OracleMaxAttempts = 3
	}
	if cfg.OracleRetryBaseMillis == 0 {
		cfg.OracleRetryBaseMillis = 500
	}
	if cfg.OracleCacheTTLSeconds == 0 {
		cfg.OracleCacheTTLSeconds = 300
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./triagebot.db"
	}
	if cfg.MatchThreshold == 0 {
		cfg.MatchThreshold = 85
	}
	if cfg.AmbiguousThreshold == 0 {
		cfg.AmbiguousThreshold = 70
	}
	if cfg.MatchAlternatives == 0 {
		cfg.MatchAlternatives = 3
	}
	if cfg.DisagreementPenalty == 0 {
		cfg.DisagreementPenalty = 0.7
	}
	if cfg.AccuracyEMAWeight == 0 {
		cfg.AccuracyEMAWeight = 0.9
	}
	if cfg.AccuracyFlagThreshold == 0 {
		cfg.AccuracyFlagThreshold = 50
	}
	if cfg.PatternBatchSize == 0 {
		cfg.PatternBatchSize = 10
	}
	if cfg.DeepBatchSize == 0 {
		cfg.DeepBatchSize = 50
	}
	if cfg.RuleAutoApplyConfidence == 0 {
		cfg.RuleAutoApplyConfidence = 0.8
	}
	if cfg.CorrectionRateThreshold == 0 {
		cfg.CorrectionRateThreshold = 0.5
	}
	if cfg.MergeFeedbackMin == 0 {
		cfg.MergeFeedbackMin = 5
	}
	if cfg.SplitShareThreshold == 0 {
		cfg.SplitShareThreshold = 0.3
	}
	if cfg.DuplicateSimilarity == 0 {
		cfg.DuplicateSimilarity = 0.85
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Local"
	}

	switch cfg.OracleProvider {
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			log.Fatalf("anthropic_api_key is required when oracle_provider=anthropic")
		}
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			log.Fatalf("openai_api_key is required when oracle_provider=openai")
		}
	default:
		log.Fatalf("oracle_provider must be 'anthropic' or 'openai', got '%s'", cfg.OracleProvider)
	}

	if cfg.Timezone == "Local" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			log.Fatalf("invalid timezone '%s': %v", cfg.Timezone, err)
		}
		cfg.Location = loc
	}

	if cfg.MatchThreshold <= cfg.AmbiguousThreshold {
		log.Fatalf("match_threshold (%d) must be above ambiguous_threshold (%d)", cfg.MatchThreshold, cfg.AmbiguousThreshold)
	}
	if cfg.DisagreementPenalty <= 0 || cfg.DisagreementPenalty > 1 {
		log.Fatalf("invalid disagreement_penalty '%f': must be in (0,1]", cfg.DisagreementPenalty)
	}
	if cfg.AccuracyEMAWeight <= 0 || cfg.AccuracyEMAWeight >= 1 {
		log.Fatalf("invalid accuracy_ema_weight '%f': must be in (0,1)", cfg.AccuracyEMAWeight)
	}
	if cfg.RuleAutoApplyConfidence < 0 || cfg.RuleAutoApplyConfidence > 1 {
		log.Fatalf("invalid rule_auto_apply_confidence '%f': must be between 0 and 1", cfg.RuleAutoApplyConfidence)
	}
	if cfg.PatternBatchSize < 1 || cfg.DeepBatchSize < cfg.PatternBatchSize {
		log.Fatalf("invalid batch sizes: pattern=%d deep=%d", cfg.PatternBatchSize, cfg.DeepBatchSize)
	}

	return cfg
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideFloat(field *float64, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func (c Config) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSeconds) * time.Second
}

func (c Config) OracleRetryBase() time.Duration {
	return time.Duration(c.OracleRetryBaseMillis) * time.Millisecond
}

func (c Config) OracleCacheTTL() time.Duration {
	return time.Duration(c.OracleCacheTTLSeconds) * time.Second
}
