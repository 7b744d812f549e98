// Package config загружает конфигурацию бота из переменных окружения.
// Сначала подхватывается .env (если есть), затем envconfig маппит
// переменные окружения на поля структуры.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Бэкенды хранилища леджера.
const (
	StorageFile     = "file"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Discord ---
	DiscordToken string `envconfig:"DISCORD_TOKEN" required:"true"`
	GuildID      string `envconfig:"GUILD_ID" required:"true"`

	// Каналы. ORDER_CHANNEL_IDS — список через запятую, заполняем вручную.
	VouchChannelID         string   `envconfig:"VOUCH_CHANNEL_ID" required:"true"`
	OrderChannelIDsRaw     string   `envconfig:"ORDER_CHANNEL_IDS"`
	OrderChannelIDs        []string `envconfig:"-"`
	SupportChannelID       string   `envconfig:"SUPPORT_CHANNEL_ID"`
	InviteTrackerChannelID string   `envconfig:"INVITE_TRACKER_CHANNEL_ID"`

	// Роли
	AdminRoleID    string `envconfig:"ADMIN_ROLE_ID"`
	VerifiedRoleID string `envconfig:"VERIFIED_ROLE_ID"`
	MutedRoleID    string `envconfig:"MUTED_ROLE_ID"`

	// --- Vouch ---
	VouchCooldownHours int   `envconfig:"VOUCH_COOLDOWN_HOURS" default:"5"`
	PointsPerVouch     int64 `envconfig:"POINTS_PER_VOUCH" default:"1"`
	// Лимит загрузки Discord без нитро — 8 МиБ
	MaxImageBytes int `envconfig:"MAX_IMAGE_BYTES" default:"8388608"`

	// --- Optimizer ---
	OptimizerQualitiesRaw string    `envconfig:"OPTIMIZER_QUALITIES" default:"85,75,65,55,45"`
	OptimizerQualities    []int     `envconfig:"-"`
	OptimizerScalesRaw    string    `envconfig:"OPTIMIZER_SCALES" default:"1.0,0.9,0.8,0.7,0.6,0.5"`
	OptimizerScales       []float64 `envconfig:"-"`
	OptimizerMaxParallel  int64     `envconfig:"OPTIMIZER_MAX_PARALLEL" default:"2"`
	// Потолок ширина×высота исходника: больше — сразу в текстовую сводку
	OptimizerMaxPixels int64  `envconfig:"OPTIMIZER_MAX_PIXELS" default:"40000000"`
	WatermarkPath      string `envconfig:"WATERMARK_PATH" default:"assets/watermark.png"`
	WatermarkText      string `envconfig:"WATERMARK_TEXT" default:"Stream Plug"`

	// --- Fetcher ---
	FetchTimeout   time.Duration `envconfig:"FETCH_TIMEOUT" default:"30s"`
	FetchMaxBytes  int64         `envconfig:"FETCH_MAX_BYTES" default:"26214400"`
	FetchUserAgent string        `envconfig:"FETCH_USER_AGENT" default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"`

	// Сколько живут временные уведомления в канале
	NoticeTTL time.Duration `envconfig:"NOTICE_TTL" default:"10s"`

	// --- Storage ---
	StorageBackend string `envconfig:"STORAGE_BACKEND" default:"file"`
	DataDir        string `envconfig:"DATA_DIR" default:"data"`

	// --- Database (STORAGE_BACKEND=postgres) ---
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"botuser"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"vouch_bot"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"1"`

	// --- Redis (STORAGE_BACKEND=redis) ---
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"redis:6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"vouchbot"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`

	// --- Bot runtime ---
	// Сколько событий обрабатываем параллельно
	BotMaxInflight int `envconfig:"BOT_MAX_INFLIGHT" default:"64"`

	// --- Rate Limiting (слэш-команды) ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"5"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Moderation ---
	ScamDomainsRaw string   `envconfig:"SCAM_DOMAINS" default:"scam.com,malicious.net,fake-discord.com"`
	ScamDomains    []string `envconfig:"-"`

	// --- Cron ---
	CronInviteRefresh string `envconfig:"CRON_INVITE_REFRESH" default:"*/30 * * * *"`
	CronMemberScan    string `envconfig:"CRON_MEMBER_SCAN" default:"0 4 * * *"`

	// --- Feature Flags ---
	FeatureModerationEnabled   bool `envconfig:"FEATURE_MODERATION_ENABLED" default:"true"`
	FeatureVerificationEnabled bool `envconfig:"FEATURE_VERIFICATION_ENABLED" default:"true"`
	FeatureInvitesEnabled      bool `envconfig:"FEATURE_INVITES_ENABLED" default:"true"`
}

// CooldownWindow возвращает окно кулдауна между воучами.
func (c *Config) CooldownWindow() time.Duration {
	return time.Duration(c.VouchCooldownHours) * time.Hour
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) Validate() error {
	if c.VouchCooldownHours < 0 {
		return fmt.Errorf("VOUCH_COOLDOWN_HOURS не может быть отрицательным")
	}
	if c.PointsPerVouch <= 0 {
		return fmt.Errorf("POINTS_PER_VOUCH должен быть > 0")
	}
	if c.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES должен быть > 0")
	}
	if c.OptimizerMaxParallel <= 0 {
		return fmt.Errorf("OPTIMIZER_MAX_PARALLEL должен быть > 0")
	}
	if c.OptimizerMaxPixels <= 0 {
		return fmt.Errorf("OPTIMIZER_MAX_PIXELS должен быть > 0")
	}
	if len(c.OptimizerQualities) == 0 || len(c.OptimizerScales) == 0 {
		return fmt.Errorf("OPTIMIZER_QUALITIES/OPTIMIZER_SCALES не могут быть пустыми")
	}
	for _, q := range c.OptimizerQualities {
		if q < 1 || q > 100 {
			return fmt.Errorf("качество %d вне диапазона 1..100", q)
		}
	}
	for _, s := range c.OptimizerScales {
		if s <= 0 || s > 1 {
			return fmt.Errorf("масштаб %.2f вне диапазона (0, 1]", s)
		}
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT должен быть > 0")
	}
	if c.BotMaxInflight <= 0 {
		return fmt.Errorf("BOT_MAX_INFLIGHT должен быть > 0")
	}
	switch c.StorageBackend {
	case StorageFile, StorageRedis:
	case StoragePostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD обязателен для STORAGE_BACKEND=postgres")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
		}
	default:
		return fmt.Errorf("неизвестный STORAGE_BACKEND %q", c.StorageBackend)
	}
	return nil
}

// Load читает .env и переменные окружения и заполняет структуру Config.
// Переменные окружения имеют приоритет над .env.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("не удалось прочитать %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	var err error
	cfg.OrderChannelIDs = parseIDCSV(cfg.OrderChannelIDsRaw)
	cfg.ScamDomains = parseStringCSV(strings.ToLower(cfg.ScamDomainsRaw))
	if cfg.OptimizerQualities, err = parseIntCSV(cfg.OptimizerQualitiesRaw); err != nil {
		return nil, fmt.Errorf("OPTIMIZER_QUALITIES parse: %w", err)
	}
	if cfg.OptimizerScales, err = parseFloatCSV(cfg.OptimizerScalesRaw); err != nil {
		return nil, fmt.Errorf("OPTIMIZER_SCALES parse: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseStringCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseIDCSV оставляет только числовые snowflake ID, мусор пропускает.
func parseIDCSV(s string) []string {
	var out []string
	for _, p := range parseStringCSV(s) {
		if _, err := strconv.ParseUint(p, 10, 64); err == nil {
			out = append(out, p)
		}
	}
	return out
}

func parseIntCSV(s string) ([]int, error) {
	parts := parseStringCSV(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad int %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseFloatCSV(s string) ([]float64, error) {
	parts := parseStringCSV(s)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("bad float %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
