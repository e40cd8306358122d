package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig - необязательный файл конфигурации (YAML или TOML).
// Задаёт значения по умолчанию; переменные окружения их перекрывают.
// Секреты площадок в открытом виде в файле не хранятся, только api_secret_enc.
type FileConfig struct {
	Engine  EngineFile           `yaml:"engine" toml:"engine"`
	Venues  map[string]VenueFile `yaml:"venues" toml:"venues"`
	Logging LoggingFile          `yaml:"logging" toml:"logging"`
}

// EngineFile - секция engine
type EngineFile struct {
	Instrument                string  `yaml:"instrument" toml:"instrument"`
	OrderSize                 float64 `yaml:"order_size" toml:"order_size"`
	MaxPosition               float64 `yaml:"max_position" toml:"max_position"`
	LongThreshold             float64 `yaml:"long_threshold" toml:"long_threshold"`
	ShortThreshold            float64 `yaml:"short_threshold" toml:"short_threshold"`
	FillTimeoutSeconds        float64 `yaml:"fill_timeout_seconds" toml:"fill_timeout_seconds"`
	EvaluationIntervalSeconds float64 `yaml:"evaluation_interval_seconds" toml:"evaluation_interval_seconds"`
	MaxQuoteStalenessSeconds  float64 `yaml:"max_quote_staleness_seconds" toml:"max_quote_staleness_seconds"`
	HedgeRetryLimit           int     `yaml:"hedge_retry_limit" toml:"hedge_retry_limit"`
	MinPartialFillFraction    float64 `yaml:"min_partial_fill_fraction" toml:"min_partial_fill_fraction"`

	MakerVenue              string  `yaml:"maker_venue" toml:"maker_venue"`
	PartialFillPolicy       string  `yaml:"partial_fill_policy" toml:"partial_fill_policy"`
	EvaluationMode          string  `yaml:"evaluation_mode" toml:"evaluation_mode"`
	HedgeFillTimeoutSeconds float64 `yaml:"hedge_fill_timeout_seconds" toml:"hedge_fill_timeout_seconds"`
	CancelAckTimeoutSeconds float64 `yaml:"cancel_ack_timeout_seconds" toml:"cancel_ack_timeout_seconds"`
	TradeCooldownSeconds    float64 `yaml:"trade_cooldown_seconds" toml:"trade_cooldown_seconds"`
	DisconnectGraceSeconds  float64 `yaml:"disconnect_grace_seconds" toml:"disconnect_grace_seconds"`
	ReconcileInterval       string  `yaml:"reconcile_interval" toml:"reconcile_interval"`
	HaltOnHedgeFailure      bool    `yaml:"halt_on_hedge_failure" toml:"halt_on_hedge_failure"`
}

// VenueFile - секция venues.a / venues.b
type VenueFile struct {
	Kind         string  `yaml:"kind" toml:"kind"`
	APIKey       string  `yaml:"api_key" toml:"api_key"`
	APISecretEnc string  `yaml:"api_secret_enc" toml:"api_secret_enc"`
	BaseURL      string  `yaml:"base_url" toml:"base_url"`
	WSURL        string  `yaml:"ws_url" toml:"ws_url"`
	PrivateWSURL string  `yaml:"private_ws_url" toml:"private_ws_url"`
	Testnet      bool    `yaml:"testnet" toml:"testnet"`
	OrderRate    float64 `yaml:"order_rate" toml:"order_rate"`
	QueryRate    float64 `yaml:"query_rate" toml:"query_rate"`
	LotSize      float64 `yaml:"lot_size" toml:"lot_size"`
	PaperMid     float64 `yaml:"paper_mid" toml:"paper_mid"`
	PaperBalance float64 `yaml:"paper_balance" toml:"paper_balance"`
}

// LoggingFile - секция logging
type LoggingFile struct {
	Level      string `yaml:"level" toml:"level"`
	Format     string `yaml:"format" toml:"format"`
	Output     string `yaml:"output" toml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// defaultFile - значения по умолчанию до чтения файла и окружения
func defaultFile() FileConfig {
	return FileConfig{
		Engine: EngineFile{
			Instrument:                "BTC/USDT",
			OrderSize:                 0.001,
			MaxPosition:               0.01,
			LongThreshold:             5,
			ShortThreshold:            5,
			FillTimeoutSeconds:        10,
			EvaluationIntervalSeconds: 1,
			MaxQuoteStalenessSeconds:  3,
			HedgeRetryLimit:           3,
			MinPartialFillFraction:    0.5,
			MakerVenue:                "a",
			PartialFillPolicy:         PartialFillHedge,
			EvaluationMode:            EvaluationInterval,
			HedgeFillTimeoutSeconds:   5,
			CancelAckTimeoutSeconds:   2,
			TradeCooldownSeconds:      2,
			DisconnectGraceSeconds:    30,
			ReconcileInterval:         "60s",
			HaltOnHedgeFailure:        true,
		},
		Venues: map[string]VenueFile{
			"a": {Kind: "paper", PaperMid: 30000, PaperBalance: 10000, LotSize: 0.001},
			"b": {Kind: "paper", PaperMid: 30000, PaperBalance: 10000, LotSize: 0.001},
		},
		Logging: LoggingFile{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadFile декодирует файл поверх значений по умолчанию.
// Формат выбирается по расширению: .yaml/.yml или .toml.
func loadFile(path string, dst *FileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	defaults := dst.Venues
	dst.Venues = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, dst)
	case ".toml":
		_, err = toml.Decode(string(data), dst)
	default:
		return fmt.Errorf("config file %s: unsupported extension (use .yaml, .yml or .toml)", path)
	}
	if err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	// Ключи площадок без учёта регистра: "A" и "a"
	venues := make(map[string]VenueFile, 2)
	for k, v := range dst.Venues {
		venues[strings.ToLower(k)] = v
	}
	for k, v := range defaults {
		if _, ok := venues[k]; !ok {
			venues[k] = v
		}
	}
	dst.Venues = venues

	return nil
}

func (e EngineFile) reconcileInterval() time.Duration {
	d, err := time.ParseDuration(e.ReconcileInterval)
	if err != nil {
		return 0
	}
	return d
}
