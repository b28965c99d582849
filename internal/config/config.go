// Package config loads process configuration from the environment, with an
// optional .env file for local runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/agentworkforce/partsync/internal/contentassist"
	"github.com/agentworkforce/partsync/internal/inventory"
	"github.com/agentworkforce/partsync/internal/logx"
	"github.com/agentworkforce/partsync/internal/prefs"
	"github.com/agentworkforce/partsync/internal/reconcile"
	"github.com/agentworkforce/partsync/internal/remotestore"
)

const prefix = "PARTSYNC"

type SheetConfig struct {
	Inventory string `envconfig:"SHEET_INVENTORY" default:"Inventario"`
	Sales     string `envconfig:"SHEET_SALES" default:"Ventas"`
	Removed   string `envconfig:"SHEET_REMOVED" default:"Eliminados"`
}

type SyncConfig struct {
	RemoteURL        string        `envconfig:"REMOTE_URL" required:"true"`
	Mode             string        `envconfig:"RESYNC_MODE" default:"overwrite"`
	Cooldown         time.Duration `envconfig:"COOLDOWN" default:"20s"`
	ResyncAfterWrite time.Duration `envconfig:"RESYNC_AFTER_WRITE" default:"3s"`
	ResyncAfterBatch time.Duration `envconfig:"RESYNC_AFTER_BATCH" default:"4s"`
	BatchSpacing     time.Duration `envconfig:"BATCH_SPACING" default:"600ms"`
	ReadTimeout      time.Duration `envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout     time.Duration `envconfig:"WRITE_TIMEOUT" default:"15s"`
	PendingTTL       time.Duration `envconfig:"PENDING_TTL" default:"5m"`
	ReadRetries      int           `envconfig:"READ_RETRIES" default:"2"`
	// PollInterval of zero disables periodic background resyncs.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"60s"`
	PollJitter   float64       `envconfig:"POLL_JITTER" default:"0.2"`
}

type AuthConfig struct {
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	TenantID  string `envconfig:"TENANT_ID"`
	// ServiceToken signs the process in at startup so the engine resyncs
	// without waiting for an interactive sign-in.
	ServiceToken string        `envconfig:"SERVICE_TOKEN"`
	ExpiryCheck  time.Duration `envconfig:"SESSION_EXPIRY_CHECK" default:"30s"`
}

type HTTPConfig struct {
	Addr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"120"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
	MaxBodyBytes    int64         `envconfig:"MAX_BODY_BYTES" default:"16777216"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

type AssistConfig struct {
	APIKey      string  `envconfig:"GEMINI_API_KEY"`
	BaseURL     string  `envconfig:"GEMINI_BASE_URL"`
	VisionModel string  `envconfig:"VISION_MODEL" default:"gemini-2.5-flash"`
	TextModel   string  `envconfig:"TEXT_MODEL" default:"gemini-2.5-flash"`
	Temperature float32 `envconfig:"ASSIST_TEMPERATURE" default:"0.4"`
	MaxTokens   int     `envconfig:"ASSIST_MAX_TOKENS" default:"1024"`
}

type PrefsConfig struct {
	// RedisURL selects the redis store; empty keeps preferences in memory.
	RedisURL string        `envconfig:"REDIS_URL"`
	TTL      time.Duration `envconfig:"PREFS_TTL" default:"0"`
}

type CatalogConfig struct {
	Name string `envconfig:"CATALOG" default:"autoparts"`
	File string `envconfig:"CATALOG_FILE"`
}

// AppConfig is the full configuration of the sync service. The groups are
// embedded so every variable carries the bare PARTSYNC_ prefix.
type AppConfig struct {
	LogEnv string `envconfig:"LOG_ENV" default:"development"`
	SheetConfig
	SyncConfig
	AuthConfig
	HTTPConfig
	AssistConfig
	PrefsConfig
	CatalogConfig
}

// Load reads an optional dotenv file and then the environment. Variables
// already set in the environment win over the file.
func Load(dotenvPath string) (AppConfig, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}
	var cfg AppConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) Validate() error {
	if _, err := reconcile.ParseResyncMode(c.SyncConfig.Mode); err != nil {
		return err
	}
	if c.SyncConfig.PollJitter < 0 || c.SyncConfig.PollJitter > 1 {
		return fmt.Errorf("%s_POLL_JITTER must be within [0,1], got %v", prefix, c.SyncConfig.PollJitter)
	}
	if c.SyncConfig.Cooldown < 0 || c.SyncConfig.BatchSpacing < 0 {
		return fmt.Errorf("%s_COOLDOWN and %s_BATCH_SPACING must not be negative; use 0 to disable", prefix, prefix)
	}
	if c.SyncConfig.ResyncAfterWrite <= 0 || c.SyncConfig.ResyncAfterBatch <= 0 {
		return fmt.Errorf("%s_RESYNC_AFTER_WRITE and %s_RESYNC_AFTER_BATCH must be positive", prefix, prefix)
	}
	if strings.TrimSpace(c.SyncConfig.RemoteURL) == "" {
		return fmt.Errorf("%s_REMOTE_URL is required", prefix)
	}
	return nil
}

func (c AppConfig) LogOptions() logx.Options {
	return logx.Options{Environment: logx.ParseEnvironment(c.LogEnv)}
}

// LoadCatalog prefers the YAML file over the named builtin.
func (c AppConfig) LoadCatalog() (*inventory.Catalog, error) {
	if strings.TrimSpace(c.CatalogConfig.File) != "" {
		return inventory.LoadCatalogFile(c.CatalogConfig.File)
	}
	return inventory.BuiltinCatalog(c.CatalogConfig.Name)
}

func (c AppConfig) EngineOptions() reconcile.Options {
	mode, _ := reconcile.ParseResyncMode(c.SyncConfig.Mode)
	return reconcile.Options{
		InventorySheet:   c.SheetConfig.Inventory,
		SalesSheet:       c.SheetConfig.Sales,
		RemovedSheet:     c.SheetConfig.Removed,
		Cooldown:         disabledIfZero(c.SyncConfig.Cooldown),
		ResyncAfterWrite: c.SyncConfig.ResyncAfterWrite,
		ResyncAfterBatch: c.SyncConfig.ResyncAfterBatch,
		BatchSpacing:     disabledIfZero(c.SyncConfig.BatchSpacing),
		ReadTimeout:      c.SyncConfig.ReadTimeout,
		WriteTimeout:     c.SyncConfig.WriteTimeout,
		PendingTTL:       c.SyncConfig.PendingTTL,
		Mode:             mode,
	}
}

// disabledIfZero maps an explicit zero to the negative value the engine reads
// as "off"; its own zero value means "use the default".
func disabledIfZero(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

func (c AppConfig) RemoteOptions() remotestore.Options {
	retries := c.SyncConfig.ReadRetries
	if retries == 0 {
		retries = -1
	}
	return remotestore.Options{MaxRetries: retries}
}

func (c AppConfig) GeminiConfig() contentassist.GeminiConfig {
	return contentassist.GeminiConfig{
		APIKey:      c.AssistConfig.APIKey,
		BaseURL:     c.AssistConfig.BaseURL,
		VisionModel: c.AssistConfig.VisionModel,
		TextModel:   c.AssistConfig.TextModel,
		Temperature: c.AssistConfig.Temperature,
		MaxTokens:   c.AssistConfig.MaxTokens,
	}
}

func (c AppConfig) RedisConfig() prefs.RedisConfig {
	return prefs.RedisConfig{
		URL:          c.PrefsConfig.RedisURL,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
	}
}

// SheetstoreConfig configures the standalone sheet store that stands in for
// the hosted spreadsheet script.
type SheetstoreConfig struct {
	LogEnv string `envconfig:"LOG_ENV" default:"development"`
	Addr   string `envconfig:"SHEETSTORE_ADDR" default:":8090"`
	// StateDSN wins over Profile when set.
	StateDSN string `envconfig:"SHEETSTORE_STATE_DSN"`
	Profile  string `envconfig:"SHEETSTORE_PROFILE" default:"durable"`
	DataDir  string `envconfig:"SHEETSTORE_DATA_DIR" default:".partsync"`
	// PostgresDSN backs the production profile.
	PostgresDSN string `envconfig:"SHEETSTORE_POSTGRES_DSN"`
	SheetConfig
}

func LoadSheetstore(dotenvPath string) (SheetstoreConfig, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return SheetstoreConfig{}, fmt.Errorf("load %s: %w", dotenvPath, err)
		}
	}
	var cfg SheetstoreConfig
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return SheetstoreConfig{}, err
	}
	if _, err := cfg.StateBackendDSN(); err != nil {
		return SheetstoreConfig{}, err
	}
	return cfg, nil
}

// StateBackendDSN resolves the storage profile into a backend DSN.
func (c SheetstoreConfig) StateBackendDSN() (string, error) {
	if dsn := strings.TrimSpace(c.StateDSN); dsn != "" {
		return dsn, nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Profile)) {
	case "memory", "inmemory":
		return "memory://", nil
	case "", "durable", "local":
		dir := strings.TrimSpace(c.DataDir)
		if dir == "" {
			dir = ".partsync"
		}
		return filepath.Join(dir, "sheets.json"), nil
	case "production", "prod":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return "", fmt.Errorf("%s_SHEETSTORE_POSTGRES_DSN is required when %s_SHEETSTORE_PROFILE=%s", prefix, prefix, c.Profile)
		}
		return c.PostgresDSN, nil
	default:
		return "", fmt.Errorf("unsupported %s_SHEETSTORE_PROFILE %q", prefix, c.Profile)
	}
}
