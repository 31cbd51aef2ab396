package infra

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/xela07ax/chatgate/internal/domain"
)

// Config — корневая структура конфигурации шлюза.
type Config struct {
	Session    SessionConfig    `mapstructure:"session"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Router     RouterConfig     `mapstructure:"router"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Plugins    PluginsConfig    `mapstructure:"plugins"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Logger     LoggerConfig     `mapstructure:"logger"`
}

// SessionConfig описывает подключение к мосту мессенджера.
type SessionConfig struct {
	ID                string        `mapstructure:"id"`
	BridgeURL         string        `mapstructure:"bridge_url"`
	Variant           string        `mapstructure:"variant"` // primary | legacy
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
	SendTimeout       time.Duration `mapstructure:"send_timeout"`
	LogoutOnShutdown  bool          `mapstructure:"logout_on_shutdown"`
}

// SupervisorConfig — два независимых бюджета перезапусков.
type SupervisorConfig struct {
	// Общий бюджет: при превышении — Closed-Permanent
	RestartCeiling int           `mapstructure:"restart_ceiling"`
	RestartWindow  time.Duration `mapstructure:"restart_window"`

	// Бюджет основного пути (мгновенный реконнект); при превышении — резервный путь с задержкой.
	// Должен быть меньше общего, иначе до резервного пути дело не дойдет
	PrimaryCeiling int           `mapstructure:"primary_ceiling"`
	PrimaryWindow  time.Duration `mapstructure:"primary_window"`
	FallbackDelay  time.Duration `mapstructure:"fallback_delay"`
}

// RouterConfig — маршрутизация команд.
type RouterConfig struct {
	Prefix         string        `mapstructure:"prefix"`
	Elevated       []string      `mapstructure:"elevated"`
	Cooldown       time.Duration `mapstructure:"cooldown"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// CacheConfig — кэш метаданных групп.
type CacheConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
}

// PluginsConfig — каталог YAML-манифестов команд.
type PluginsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// NotifyConfig — темп исходящих уведомлений и шаблоны уведомлений о членстве.
// Пустой шаблон отключает уведомление; {user} — номер участника, {group} — группа.
type NotifyConfig struct {
	Rate    float64 `mapstructure:"rate"`
	Burst   int     `mapstructure:"burst"`
	Welcome string  `mapstructure:"welcome"`
	Goodbye string  `mapstructure:"goodbye"`
	Promote string  `mapstructure:"promote"`
	Demote  string  `mapstructure:"demote"`
}

// ModerationConfig — фильтр подозрительных ссылок в группах.
type ModerationConfig struct {
	AntiLinkGroups []string `mapstructure:"antilink_groups"` // "*" — все группы
	AllowedDomains []string `mapstructure:"allowed_domains"`
	LinkWarning    string   `mapstructure:"link_warning"`
}

// DatabaseConfig описывает хранилище учетных данных и журнала.
type DatabaseConfig struct {
	URL        string `mapstructure:"url"`         // PostgreSQL DSN
	SQLitePath string `mapstructure:"sqlite_path"` // используется, если URL пуст
	MaxConns   int    `mapstructure:"max_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и общее состояние). Пустой Addr отключает Redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JournalConfig — буфер журнала команд.
type JournalConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// AdminConfig — административный HTTP API и gRPC health.
type AdminConfig struct {
	Addr          string `mapstructure:"addr"`
	GRPCAddr      string `mapstructure:"grpc_addr"`
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// SESSION_BRIDGE_URL=... перекроет session.bridge_url
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Файла нет — работаем на ENV и дефолтах
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// ROUTER_ELEVATED приходит из ENV одной строкой через запятую
	cfg.Router.Elevated = splitList(cfg.Router.Elevated)
	cfg.Moderation.AntiLinkGroups = splitList(cfg.Moderation.AntiLinkGroups)
	cfg.Moderation.AllowedDomains = splitList(cfg.Moderation.AllowedDomains)

	cfg.Admin.PublicKey = loadKeyResource(cfg.Admin.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Ключи без дефолта тоже регистрируем: иначе AutomaticEnv их не увидит при Unmarshal
	v.SetDefault("session.bridge_url", "")
	v.SetDefault("router.elevated", []string{})
	v.SetDefault("plugins.watch", false)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.url", "")
	v.SetDefault("admin.public_key_path", "")

	v.SetDefault("session.id", "chatgate-default")
	v.SetDefault("session.variant", "primary")
	v.SetDefault("session.connect_timeout", 20*time.Second)
	v.SetDefault("session.connect_retry_delay", 5*time.Second)
	v.SetDefault("session.send_timeout", 10*time.Second)
	v.SetDefault("session.logout_on_shutdown", false)

	v.SetDefault("supervisor.restart_ceiling", 5)
	v.SetDefault("supervisor.restart_window", 30*time.Second)
	v.SetDefault("supervisor.primary_ceiling", 3)
	v.SetDefault("supervisor.primary_window", 30*time.Second)
	v.SetDefault("supervisor.fallback_delay", 8*time.Second)

	v.SetDefault("router.prefix", "^[.,!]")
	v.SetDefault("router.cooldown", 2*time.Second)
	v.SetDefault("router.handler_timeout", 30*time.Second)
	v.SetDefault("router.shutdown_grace", 5*time.Second)

	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.refresh_timeout", 10*time.Second)

	v.SetDefault("plugins.dir", "./plugins")

	v.SetDefault("notify.rate", 1.0)
	v.SetDefault("notify.burst", 5)
	v.SetDefault("notify.welcome", "")
	v.SetDefault("notify.goodbye", "")
	v.SetDefault("notify.promote", "")
	v.SetDefault("notify.demote", "")

	v.SetDefault("moderation.antilink_groups", []string{})
	v.SetDefault("moderation.allowed_domains", []string{})
	v.SetDefault("moderation.link_warning", "⚠️ Anti-Link Detected! Warning issued.")

	v.SetDefault("database.sqlite_path", "./chatgate.db")
	v.SetDefault("database.max_conns", 15)

	v.SetDefault("journal.buffer_size", 1000)
	v.SetDefault("journal.flush_interval", 1*time.Second)

	v.SetDefault("admin.addr", ":8080")
	v.SetDefault("admin.grpc_addr", ":50052")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate проверяет обязательные настройки. Ошибка здесь фатальна: процесс не стартует.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Session.ID) == "" {
		problems = append(problems, "session.id is required")
	}
	if strings.TrimSpace(c.Session.BridgeURL) == "" {
		problems = append(problems, "session.bridge_url is required")
	}
	if c.Session.Variant != "primary" && c.Session.Variant != "legacy" {
		problems = append(problems, fmt.Sprintf("session.variant %q must be primary or legacy", c.Session.Variant))
	}
	if _, err := regexp.Compile(c.Router.Prefix); err != nil {
		problems = append(problems, fmt.Sprintf("router.prefix is not a valid pattern: %v", err))
	}
	if c.Supervisor.RestartCeiling <= 0 || c.Supervisor.PrimaryCeiling <= 0 {
		problems = append(problems, "supervisor ceilings must be positive")
	}
	if c.Supervisor.PrimaryCeiling >= c.Supervisor.RestartCeiling {
		problems = append(problems, "supervisor.primary_ceiling must be below restart_ceiling: fallback path is unreachable")
	}
	if c.Supervisor.RestartWindow <= 0 || c.Supervisor.PrimaryWindow <= 0 {
		problems = append(problems, "supervisor windows must be positive")
	}
	if c.Router.HandlerTimeout <= 0 || c.Session.ConnectTimeout <= 0 || c.Cache.RefreshTimeout <= 0 {
		problems = append(problems, "timeouts must be positive")
	}
	if c.Router.Cooldown < 0 || c.Cache.TTL < 0 {
		problems = append(problems, "router.cooldown and cache.ttl must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// loadKeyResource — PEM-ключ либо прямо из ENV (Docker/K8s), либо из файла по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
