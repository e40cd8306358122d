package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crossarb/pkg/crypto"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with defaults: %v", err)
	}

	e := cfg.Engine
	if e.Instrument != "BTC/USDT" {
		t.Errorf("expected instrument BTC/USDT, got %s", e.Instrument)
	}
	if e.FillTimeout != 10*time.Second {
		t.Errorf("expected fill timeout 10s, got %v", e.FillTimeout)
	}
	if e.MinPartialFillFraction != 0.5 {
		t.Errorf("expected fraction 0.5, got %v", e.MinPartialFillFraction)
	}
	if e.PartialFillPolicy != PartialFillHedge {
		t.Errorf("expected policy hedge, got %s", e.PartialFillPolicy)
	}
	if !e.MakerIsA() {
		t.Error("maker venue must default to A")
	}
	if e.ReconcileInterval != time.Minute {
		t.Errorf("expected reconcile interval 1m, got %v", e.ReconcileInterval)
	}
	if cfg.Venues.A.Kind != "paper" || cfg.Venues.B.Kind != "paper" {
		t.Errorf("expected paper venues by default, got %s / %s", cfg.Venues.A.Kind, cfg.Venues.B.Kind)
	}
	if cfg.Database.Enabled {
		t.Error("database must be disabled by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("INSTRUMENT", "eth/usdt")
	t.Setenv("ORDER_SIZE", "0.5")
	t.Setenv("MAX_POSITION", "2")
	t.Setenv("LONG_THRESHOLD", "0.3")
	t.Setenv("FILL_TIMEOUT_SECONDS", "2.5")
	t.Setenv("HEDGE_RETRY_LIMIT", "5")
	t.Setenv("MAKER_VENUE", "B")
	t.Setenv("PARTIAL_FILL_POLICY", "unwind")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	e := cfg.Engine
	if e.Instrument != "ETH/USDT" {
		t.Errorf("expected ETH/USDT, got %s", e.Instrument)
	}
	if e.OrderSize != 0.5 || e.MaxPosition != 2 || e.LongThreshold != 0.3 {
		t.Errorf("unexpected sizes: %+v", e)
	}
	if e.FillTimeout != 2500*time.Millisecond {
		t.Errorf("expected 2.5s, got %v", e.FillTimeout)
	}
	if e.HedgeRetryLimit != 5 {
		t.Errorf("expected retry limit 5, got %d", e.HedgeRetryLimit)
	}
	if e.MakerIsA() {
		t.Error("maker venue must be B")
	}
	if e.PartialFillPolicy != PartialFillUnwind {
		t.Errorf("expected unwind, got %s", e.PartialFillPolicy)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		errPart string
	}{
		{"zero order size", "ORDER_SIZE", "0", "ORDER_SIZE"},
		{"max below size", "MAX_POSITION", "0.0001", "MAX_POSITION"},
		{"negative threshold", "SHORT_THRESHOLD", "-1", "THRESHOLD"},
		{"zero fill timeout", "FILL_TIMEOUT_SECONDS", "0", "FILL_TIMEOUT_SECONDS"},
		{"zero staleness", "MAX_QUOTE_STALENESS_SECONDS", "0", "MAX_QUOTE_STALENESS_SECONDS"},
		{"fraction above one", "MIN_PARTIAL_FILL_FRACTION", "1.5", "MIN_PARTIAL_FILL_FRACTION"},
		{"negative retries", "HEDGE_RETRY_LIMIT", "-1", "HEDGE_RETRY_LIMIT"},
		{"bad maker", "MAKER_VENUE", "c", "MAKER_VENUE"},
		{"bad policy", "PARTIAL_FILL_POLICY", "ignore", "PARTIAL_FILL_POLICY"},
		{"bad mode", "EVALUATION_MODE", "poll", "EVALUATION_MODE"},
		{"bad instrument", "INSTRUMENT", "BTCUSDT", "INSTRUMENT"},
		{"bad port", "SERVER_PORT", "70000", "SERVER_PORT"},
		{"bad severity", "TELEGRAM_MIN_SEVERITY", "loud", "TELEGRAM_MIN_SEVERITY"},
		{"unknown venue", "VENUE_A_KIND", "okx", "VENUE_A_KIND"},
		{"bybit without key", "VENUE_B_KIND", "bybit", "VENUE_B_API_KEY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.key, tt.value)
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("expected error mentioning %s, got %v", tt.errPart, err)
			}
		})
	}
}

func TestLoad_EncryptedSecret(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := crypto.ParseKey(key)
	enc, err := crypto.EncryptSecret("venue-secret-value", raw)
	if err != nil {
		t.Fatal(err)
	}

	t.Setenv("ENCRYPTION_KEY", key)
	t.Setenv("VENUE_A_KIND", "bybit")
	t.Setenv("VENUE_A_API_KEY", "bybit-key-123456")
	t.Setenv("VENUE_A_API_SECRET_ENC", enc)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venues.A.APISecret != "venue-secret-value" {
		t.Errorf("secret not decrypted, got %q", cfg.Venues.A.APISecret)
	}
}

func TestLoad_EncryptedSecretWithoutKey(t *testing.T) {
	t.Setenv("VENUE_A_KIND", "bybit")
	t.Setenv("VENUE_A_API_KEY", "bybit-key-123456")
	t.Setenv("VENUE_A_API_SECRET_ENC", "AAAA")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "ENCRYPTION_KEY") {
		t.Errorf("expected ENCRYPTION_KEY error, got %v", err)
	}
}

func TestLoad_InvalidOperatorHash(t *testing.T) {
	t.Setenv("OPERATOR_TOKEN_HASH", "plain-text-token")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OPERATOR_TOKEN_HASH") {
		t.Errorf("expected OPERATOR_TOKEN_HASH error, got %v", err)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
engine:
  instrument: ETH/USDT
  order_size: 0.2
  max_position: 1
  long_threshold: 0.8
  fill_timeout_seconds: 4
  partial_fill_policy: unwind
venues:
  A:
    kind: paper
    paper_mid: 2000
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	// Окружение перекрывает файл
	t.Setenv("LONG_THRESHOLD", "1.2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.Instrument != "ETH/USDT" || cfg.Engine.OrderSize != 0.2 {
		t.Errorf("file values not applied: %+v", cfg.Engine)
	}
	if cfg.Engine.LongThreshold != 1.2 {
		t.Errorf("env must override file, got %v", cfg.Engine.LongThreshold)
	}
	if cfg.Engine.FillTimeout != 4*time.Second {
		t.Errorf("expected 4s, got %v", cfg.Engine.FillTimeout)
	}
	// Не заданное в файле берётся из значений по умолчанию
	if cfg.Engine.HedgeRetryLimit != 3 {
		t.Errorf("expected default retry limit 3, got %d", cfg.Engine.HedgeRetryLimit)
	}
	if cfg.Venues.A.PaperMid != 2000 {
		t.Errorf("expected venue A mid 2000, got %v", cfg.Venues.A.PaperMid)
	}
	if cfg.Venues.B.Kind != "paper" || cfg.Venues.B.PaperMid != 30000 {
		t.Errorf("venue B must keep defaults, got %+v", cfg.Venues.B)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	content := `
[engine]
instrument = "SOL/USDT"
order_size = 1.0
max_position = 5.0
hedge_retry_limit = 2
reconcile_interval = "30s"

[venues.b]
kind = "paper"
paper_mid = 150.0
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Engine.Instrument != "SOL/USDT" || cfg.Engine.HedgeRetryLimit != 2 {
		t.Errorf("toml values not applied: %+v", cfg.Engine)
	}
	if cfg.Engine.ReconcileInterval != 30*time.Second {
		t.Errorf("expected 30s, got %v", cfg.Engine.ReconcileInterval)
	}
	if cfg.Venues.B.PaperMid != 150 {
		t.Errorf("expected venue B mid 150, got %v", cfg.Venues.B.PaperMid)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("CONFIG_FILE", filepath.Join(dir, "nope.yaml"))
		if _, err := Load(); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := filepath.Join(dir, "engine.json")
		_ = os.WriteFile(path, []byte("{}"), 0o644)
		t.Setenv("CONFIG_FILE", path)
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "unsupported extension") {
			t.Errorf("expected unsupported extension error, got %v", err)
		}
	})

	t.Run("broken yaml", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yaml")
		_ = os.WriteFile(path, []byte("engine: [unclosed"), 0o644)
		t.Setenv("CONFIG_FILE", path)
		if _, err := Load(); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}

	if got := d.DSN(); got != "host=db port=5432 user=u password=p dbname=n sslmode=disable" {
		t.Errorf("unexpected DSN: %s", got)
	}
	if strings.Contains(d.DSNWithoutPassword(), "password") {
		t.Error("DSNWithoutPassword must not contain password")
	}
}

func TestLoggingConfig_LogConfig(t *testing.T) {
	l := LoggingConfig{Level: "warn", Format: "text", Output: "/tmp/x.log", MaxSizeMB: 10, Compress: true}
	lc := l.LogConfig()

	if lc.Level != "warn" || lc.MaxSizeMB != 10 || !lc.Compress {
		t.Errorf("unexpected log config: %+v", lc)
	}
}

func TestLoad_ServerAndDatabaseExtras(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://ops.example.com, ,*,http://localhost:3000")
	t.Setenv("DB_EVENT_RETENTION", "72h")
	t.Setenv("DB_MAX_OPEN_CONNS", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	origins := cfg.Server.AllowedOrigins
	if len(origins) != 2 || origins[0] != "https://ops.example.com" || origins[1] != "http://localhost:3000" {
		t.Errorf("unexpected origins: %v", origins)
	}
	if cfg.Database.EventRetention != 72*time.Hour {
		t.Errorf("expected retention 72h, got %v", cfg.Database.EventRetention)
	}
	if cfg.Database.MaxOpenConns != 4 {
		t.Errorf("expected 4 open conns, got %d", cfg.Database.MaxOpenConns)
	}
}
