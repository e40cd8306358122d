package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"crossarb/internal/models"
	"crossarb/pkg/crypto"
	"crossarb/pkg/utils"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Engine   EngineConfig
	Venues   VenuesConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера оператора
type ServerConfig struct {
	Enabled  bool
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string

	// AllowedOrigins - origin браузеров для CORS и WebSocket; пусто = все
	AllowedOrigins []string
}

// DatabaseConfig - настройки журнала в PostgreSQL
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	MaxOpenConns   int
	EventRetention time.Duration // события старше удаляются; 0 = хранить всё
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionKey     string // ключ для *_API_SECRET_ENC
	OperatorTokenHash string // bcrypt хеш токена для halt / clear-halt
}

// Стратегии для частичного исполнения первички ниже порога
const (
	PartialFillHedge  = "hedge"
	PartialFillUnwind = "unwind"
)

// Режимы вызова оценщика
const (
	EvaluationInterval = "interval"
	EvaluationEvent    = "event"
)

// EngineConfig - параметры принятия решений и исполнения
type EngineConfig struct {
	Instrument             string  // канонический BASE/QUOTE
	OrderSize              float64 // объём первички в базовой валюте
	MaxPosition            float64 // лимит |позиции| на площадку и суммарно
	LongThreshold          float64 // long: купить на A, продать на B
	ShortThreshold         float64 // short: купить на B, продать на A
	FillTimeout            time.Duration
	EvaluationInterval     time.Duration
	MaxQuoteStaleness      time.Duration
	HedgeRetryLimit        int
	MinPartialFillFraction float64

	MakerVenue         string // "a" или "b": где выставляется первичка
	PartialFillPolicy  string
	EvaluationMode     string
	HedgeFillTimeout   time.Duration
	CancelAckTimeout   time.Duration // ожидание финального fill после отмены
	TradeCooldown      time.Duration
	DisconnectGrace    time.Duration
	ReconcileInterval  time.Duration // 0 = сверка выключена
	HaltOnHedgeFailure bool
	EventBuffer        int
	NotifyBuffer       int
}

// VenueConfig - площадка и её коннектор
type VenueConfig struct {
	Kind         string // bybit, bingx, paper
	APIKey       string
	APISecret    string
	APISecretEnc string
	BaseURL      string
	WSURL        string
	PrivateWSURL string
	Testnet      bool
	OrderRate    float64 // req/sec на создание и отмену
	QueryRate    float64 // req/sec на запросы
	LotSize      float64
	PaperMid     float64 // стартовая цена симулятора
	PaperBalance float64 // стартовый капитал симулятора
}

// VenuesConfig - две площадки: A и B
type VenuesConfig struct {
	A VenueConfig
	B VenueConfig
}

// NotifyConfig - доставка уведомлений и событий наружу
type NotifyConfig struct {
	TelegramToken       string
	TelegramChatID      string
	TelegramAPIURL      string
	TelegramMinSeverity string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RedisChannel        string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load загружает конфигурацию: .env, затем CONFIG_FILE (если задан),
// затем переменные окружения поверх значений файла.
func Load() (*Config, error) {
	// Отсутствие .env не ошибка
	_ = godotenv.Load()

	f := defaultFile()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &f); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Enabled:  getEnvAsBool("SERVER_ENABLED", true),
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),

			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvAsBool("DB_ENABLED", false),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "crossarb"),
			User:     getEnv("DB_USER", "crossarb"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),

			MaxOpenConns:   getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			EventRetention: getEnvAsDuration("DB_EVENT_RETENTION", 30*24*time.Hour),
		},
		Security: SecurityConfig{
			EncryptionKey:     getEnv("ENCRYPTION_KEY", ""),
			OperatorTokenHash: getEnv("OPERATOR_TOKEN_HASH", ""),
		},
		Engine: EngineConfig{
			Instrument:             strings.ToUpper(getEnv("INSTRUMENT", f.Engine.Instrument)),
			OrderSize:              getEnvAsFloat("ORDER_SIZE", f.Engine.OrderSize),
			MaxPosition:            getEnvAsFloat("MAX_POSITION", f.Engine.MaxPosition),
			LongThreshold:          getEnvAsFloat("LONG_THRESHOLD", f.Engine.LongThreshold),
			ShortThreshold:         getEnvAsFloat("SHORT_THRESHOLD", f.Engine.ShortThreshold),
			FillTimeout:            getEnvAsSeconds("FILL_TIMEOUT_SECONDS", f.Engine.FillTimeoutSeconds),
			EvaluationInterval:     getEnvAsSeconds("EVALUATION_INTERVAL_SECONDS", f.Engine.EvaluationIntervalSeconds),
			MaxQuoteStaleness:      getEnvAsSeconds("MAX_QUOTE_STALENESS_SECONDS", f.Engine.MaxQuoteStalenessSeconds),
			HedgeRetryLimit:        getEnvAsInt("HEDGE_RETRY_LIMIT", f.Engine.HedgeRetryLimit),
			MinPartialFillFraction: getEnvAsFloat("MIN_PARTIAL_FILL_FRACTION", f.Engine.MinPartialFillFraction),

			MakerVenue:         strings.ToLower(getEnv("MAKER_VENUE", f.Engine.MakerVenue)),
			PartialFillPolicy:  strings.ToLower(getEnv("PARTIAL_FILL_POLICY", f.Engine.PartialFillPolicy)),
			EvaluationMode:     strings.ToLower(getEnv("EVALUATION_MODE", f.Engine.EvaluationMode)),
			HedgeFillTimeout:   getEnvAsSeconds("HEDGE_FILL_TIMEOUT_SECONDS", f.Engine.HedgeFillTimeoutSeconds),
			CancelAckTimeout:   getEnvAsSeconds("CANCEL_ACK_TIMEOUT_SECONDS", f.Engine.CancelAckTimeoutSeconds),
			TradeCooldown:      getEnvAsSeconds("TRADE_COOLDOWN_SECONDS", f.Engine.TradeCooldownSeconds),
			DisconnectGrace:    getEnvAsSeconds("DISCONNECT_GRACE_SECONDS", f.Engine.DisconnectGraceSeconds),
			ReconcileInterval:  getEnvAsDuration("RECONCILE_INTERVAL", f.Engine.reconcileInterval()),
			HaltOnHedgeFailure: getEnvAsBool("HALT_ON_HEDGE_FAILURE", f.Engine.HaltOnHedgeFailure),
			EventBuffer:        getEnvAsInt("EVENT_BUFFER", 1024),
			NotifyBuffer:       getEnvAsInt("NOTIFY_BUFFER", 256),
		},
		Venues: VenuesConfig{
			A: loadVenue("VENUE_A", f.Venues["a"]),
			B: loadVenue("VENUE_B", f.Venues["b"]),
		},
		Notify: NotifyConfig{
			TelegramToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
			TelegramChatID:      getEnv("TELEGRAM_CHAT_ID", ""),
			TelegramAPIURL:      getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			TelegramMinSeverity: strings.ToLower(getEnv("TELEGRAM_MIN_SEVERITY", "warn")),
			RedisAddr:           getEnv("REDIS_ADDR", ""),
			RedisPassword:       getEnv("REDIS_PASSWORD", ""),
			RedisDB:             getEnvAsInt("REDIS_DB", 0),
			RedisChannel:        getEnv("REDIS_CHANNEL", "crossarb:events"),
		},
		Logging: LoggingConfig{
			Level:      getEnv("LOG_LEVEL", f.Logging.Level),
			Format:     getEnv("LOG_FORMAT", f.Logging.Format),
			Output:     getEnv("LOG_OUTPUT", f.Logging.Output),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", f.Logging.MaxSizeMB),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", f.Logging.MaxBackups),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", f.Logging.MaxAgeDays),
			Compress:   getEnvAsBool("LOG_COMPRESS", f.Logging.Compress),
		},
	}

	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	if err := cfg.validateVenues(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadVenue читает настройки площадки с префиксом (VENUE_A_KIND, VENUE_A_API_KEY, ...)
func loadVenue(prefix string, f VenueFile) VenueConfig {
	return VenueConfig{
		Kind:         utils.NormalizeVenue(getEnv(prefix+"_KIND", f.Kind)),
		APIKey:       getEnv(prefix+"_API_KEY", f.APIKey),
		APISecret:    getEnv(prefix+"_API_SECRET", ""),
		APISecretEnc: getEnv(prefix+"_API_SECRET_ENC", f.APISecretEnc),
		BaseURL:      getEnv(prefix+"_BASE_URL", f.BaseURL),
		WSURL:        getEnv(prefix+"_WS_URL", f.WSURL),
		PrivateWSURL: getEnv(prefix+"_PRIVATE_WS_URL", f.PrivateWSURL),
		Testnet:      getEnvAsBool(prefix+"_TESTNET", f.Testnet),
		OrderRate:    getEnvAsFloat(prefix+"_ORDER_RATE", f.OrderRate),
		QueryRate:    getEnvAsFloat(prefix+"_QUERY_RATE", f.QueryRate),
		LotSize:      getEnvAsFloat(prefix+"_LOT_SIZE", f.LotSize),
		PaperMid:     getEnvAsFloat(prefix+"_PAPER_MID", f.PaperMid),
		PaperBalance: getEnvAsFloat(prefix+"_PAPER_BALANCE", f.PaperBalance),
	}
}

// validateSecurity расшифровывает секреты площадок и проверяет токен оператора
func (c *Config) validateSecurity() error {
	var key []byte

	for _, v := range []*VenueConfig{&c.Venues.A, &c.Venues.B} {
		if v.APISecretEnc == "" {
			continue
		}
		if key == nil {
			if c.Security.EncryptionKey == "" {
				return fmt.Errorf("ENCRYPTION_KEY is required to decrypt %s API secret", v.Kind)
			}
			k, err := crypto.ParseKey(c.Security.EncryptionKey)
			if err != nil {
				return fmt.Errorf("ENCRYPTION_KEY: %w", err)
			}
			key = k
		}

		secret, err := crypto.DecryptSecret(v.APISecretEnc, key)
		if err != nil {
			return fmt.Errorf("decrypt %s API secret: %w", v.Kind, err)
		}
		v.APISecret = secret
	}

	if c.Security.OperatorTokenHash != "" && !crypto.ValidHash(c.Security.OperatorTokenHash) {
		return fmt.Errorf("OPERATOR_TOKEN_HASH must be a bcrypt hash")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	e := c.Engine

	if err := utils.ValidateInstrument(e.Instrument); err != nil {
		return fmt.Errorf("INSTRUMENT: %w", err)
	}

	if e.OrderSize <= 0 {
		return fmt.Errorf("ORDER_SIZE must be positive, got %v", e.OrderSize)
	}

	if e.MaxPosition < e.OrderSize {
		return fmt.Errorf("MAX_POSITION must be at least ORDER_SIZE (%v), got %v", e.OrderSize, e.MaxPosition)
	}

	if e.LongThreshold < 0 || e.ShortThreshold < 0 {
		return fmt.Errorf("LONG_THRESHOLD and SHORT_THRESHOLD cannot be negative, got %v / %v", e.LongThreshold, e.ShortThreshold)
	}

	if e.FillTimeout <= 0 {
		return fmt.Errorf("FILL_TIMEOUT_SECONDS must be positive, got %v", e.FillTimeout)
	}

	if e.EvaluationInterval <= 0 {
		return fmt.Errorf("EVALUATION_INTERVAL_SECONDS must be positive, got %v", e.EvaluationInterval)
	}

	if e.MaxQuoteStaleness <= 0 {
		return fmt.Errorf("MAX_QUOTE_STALENESS_SECONDS must be positive, got %v", e.MaxQuoteStaleness)
	}

	if e.HedgeRetryLimit < 0 || e.HedgeRetryLimit > 20 {
		return fmt.Errorf("HEDGE_RETRY_LIMIT must be between 0 and 20, got %d", e.HedgeRetryLimit)
	}

	if err := utils.ValidateFraction("MIN_PARTIAL_FILL_FRACTION", e.MinPartialFillFraction); err != nil {
		return err
	}

	if e.MakerVenue != "a" && e.MakerVenue != "b" {
		return fmt.Errorf("MAKER_VENUE must be a or b, got %q", e.MakerVenue)
	}

	if e.PartialFillPolicy != PartialFillHedge && e.PartialFillPolicy != PartialFillUnwind {
		return fmt.Errorf("PARTIAL_FILL_POLICY must be hedge or unwind, got %q", e.PartialFillPolicy)
	}

	if e.EvaluationMode != EvaluationInterval && e.EvaluationMode != EvaluationEvent {
		return fmt.Errorf("EVALUATION_MODE must be interval or event, got %q", e.EvaluationMode)
	}

	if e.HedgeFillTimeout <= 0 {
		return fmt.Errorf("HEDGE_FILL_TIMEOUT_SECONDS must be positive, got %v", e.HedgeFillTimeout)
	}

	if e.CancelAckTimeout <= 0 {
		return fmt.Errorf("CANCEL_ACK_TIMEOUT_SECONDS must be positive, got %v", e.CancelAckTimeout)
	}

	if e.TradeCooldown < 0 || e.DisconnectGrace < 0 || e.ReconcileInterval < 0 {
		return fmt.Errorf("TRADE_COOLDOWN_SECONDS, DISCONNECT_GRACE_SECONDS and RECONCILE_INTERVAL cannot be negative")
	}

	if e.EventBuffer < 1 || e.NotifyBuffer < 1 {
		return fmt.Errorf("EVENT_BUFFER and NOTIFY_BUFFER must be positive, got %d / %d", e.EventBuffer, e.NotifyBuffer)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Notify.TelegramMinSeverity != "" && models.SeverityRank(c.Notify.TelegramMinSeverity) == 0 {
		return fmt.Errorf("TELEGRAM_MIN_SEVERITY must be info, warn, error or critical, got %q", c.Notify.TelegramMinSeverity)
	}

	return nil
}

// validateVenues собирает все ошибки настройки площадок сразу
func (c *Config) validateVenues() error {
	var errs utils.ValidationErrors

	for _, item := range []struct {
		name string
		v    VenueConfig
	}{{"VENUE_A", c.Venues.A}, {"VENUE_B", c.Venues.B}} {
		errs.AddError(item.name+"_KIND", utils.ValidateVenue(item.v.Kind))

		if item.v.Kind == "paper" {
			if item.v.PaperMid <= 0 {
				errs.Add(item.name+"_PAPER_MID", "must be positive")
			}
			continue
		}

		errs.AddError(item.name+"_API_KEY", utils.ValidateAPIKey(item.v.APIKey))
		if item.v.APISecret == "" {
			errs.Add(item.name+"_API_SECRET", "is required")
		}
		if item.v.OrderRate < 0 || item.v.QueryRate < 0 {
			errs.Add(item.name+"_ORDER_RATE", "rates cannot be negative")
		}
	}

	if c.Venues.A.Kind != "paper" && c.Venues.A.Kind == c.Venues.B.Kind && c.Venues.A.APIKey == c.Venues.B.APIKey {
		errs.Add("VENUES", "A and B must be independent accounts")
	}

	return errs.Err()
}

// MakerIsA - первичка выставляется на площадке A
func (e EngineConfig) MakerIsA() bool {
	return e.MakerVenue != "b"
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// LogConfig переводит настройки в формат логгера
func (l LoggingConfig) LogConfig() utils.LogConfig {
	return utils.LogConfig{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList читает список через запятую, пустые элементы и "*" пропускаются
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" && item != "*" {
			out = append(out, item)
		}
	}
	return out
}

// getEnvAsSeconds читает дробное число секунд (FILL_TIMEOUT_SECONDS=2.5)
func getEnvAsSeconds(key string, defaultSeconds float64) time.Duration {
	return utils.Seconds(getEnvAsFloat(key, defaultSeconds))
}
