// Package config 配置
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	envconfig "github.com/exchange/execution/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int
	AppEnv      string
	LogLevel    string

	// 交易所
	ExchangeBaseURL   string
	StreamBaseURL     string
	ExchangeAPIKey    string
	ExchangeAPISecret string
	RecvWindow        time.Duration
	HTTPTimeout       time.Duration

	// 下单防护
	SanitizeMode string // strict | repair
	LongOnly     bool
	MaxLeverage  int
	HedgeMode    bool

	// 批次执行
	SettleWait  time.Duration
	MaxInFlight int

	// 限流
	WeightBudget1m int
	OrderBurst10s  int

	// 延迟止盈
	WaitingStatePath     string
	WaitingConfirmChecks int
	WaitingPassInterval  time.Duration

	// 清扫与看门狗
	MaxOrderAge   time.Duration
	SweepInterval time.Duration
	WatchdogDelay time.Duration

	// 交易规则缓存
	FiltersTTL time.Duration

	// 推流
	ListenKeyKeepAlive time.Duration
	ReconnectBase      time.Duration
	ReconnectMax       time.Duration

	// Redis
	RedisAddr     string
	RedisPassword string
	EventsChannel string

	// PostgreSQL（审计库，可选）
	AuditDBEnabled bool
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string

	// Internal Auth
	InternalToken string

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	appEnv := strings.ToLower(envconfig.GetEnv("APP_ENV", "dev"))
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "exchange-execution"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8087),
		AppEnv:      appEnv,
		LogLevel:    envconfig.GetEnv("LOG_LEVEL", "info"),

		ExchangeBaseURL:   envconfig.GetEnv("EXCHANGE_BASE_URL", "https://fapi.binance.com"),
		StreamBaseURL:     envconfig.GetEnv("STREAM_BASE_URL", "wss://fstream.binance.com/ws"),
		ExchangeAPIKey:    envconfig.GetEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: envconfig.GetEnv("EXCHANGE_API_SECRET", ""),
		RecvWindow:        envconfig.GetEnvDuration("EXCHANGE_RECV_WINDOW", 5*time.Second),
		HTTPTimeout:       envconfig.GetEnvDuration("EXCHANGE_HTTP_TIMEOUT", 10*time.Second),

		SanitizeMode: strings.ToLower(envconfig.GetEnv("SANITIZE_MODE", "strict")),
		LongOnly:     envconfig.GetEnvBool("LONG_ONLY", false),
		MaxLeverage:  envconfig.GetEnvInt("MAX_LEVERAGE", 125),
		HedgeMode:    envconfig.GetEnvBool("HEDGE_MODE", true),

		SettleWait:  envconfig.GetEnvDuration("SETTLE_WAIT", 5*time.Second),
		MaxInFlight: envconfig.GetEnvInt("MAX_IN_FLIGHT", 5),

		WeightBudget1m: envconfig.GetEnvInt("WEIGHT_BUDGET_1M", 2400),
		OrderBurst10s:  envconfig.GetEnvInt("ORDER_BURST_10S", 90),

		WaitingStatePath:     envconfig.GetEnv("WAITING_STATE_PATH", "data/waiting_exits.json"),
		WaitingConfirmChecks: envconfig.GetEnvInt("WAITING_CONFIRM_CHECKS", 1),
		WaitingPassInterval:  envconfig.GetEnvDuration("WAITING_PASS_INTERVAL", 10*time.Second),

		MaxOrderAge:   envconfig.GetEnvDuration("MAX_ORDER_AGE", 0),
		SweepInterval: envconfig.GetEnvDuration("SWEEP_INTERVAL", 5*time.Minute),
		WatchdogDelay: envconfig.GetEnvDuration("WATCHDOG_DELAY", time.Minute),

		FiltersTTL: envconfig.GetEnvDuration("FILTERS_TTL", time.Hour),

		ListenKeyKeepAlive: envconfig.GetEnvDuration("LISTEN_KEY_KEEPALIVE", 30*time.Minute),
		ReconnectBase:      envconfig.GetEnvDuration("RECONNECT_BASE", time.Second),
		ReconnectMax:       envconfig.GetEnvDuration("RECONNECT_MAX", time.Minute),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		EventsChannel: envconfig.GetEnv("EVENTS_CHANNEL", "execution:events"),

		AuditDBEnabled: envconfig.GetEnvBool("AUDIT_DB_ENABLED", false),
		DBHost:         envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:         envconfig.GetEnvInt("DB_PORT", 5436),
		DBUser:         envconfig.GetEnv("DB_USER", "exchange"),
		DBPassword:     envconfig.GetEnv("DB_PASSWORD", "exchange123"),
		DBName:         envconfig.GetEnv("DB_NAME", "exchange"),
		DBSSLMode:      envconfig.GetEnv("DB_SSL_MODE", "disable"),

		InternalToken: envconfig.GetEnv("INTERNAL_TOKEN", ""),

		WorkerID: envconfig.GetEnvInt64("WORKER_ID", 11),
	}
}

// Validate 校验配置。dev 之外的环境拒绝占位密钥和弱配置。
func (c *Config) Validate() error {
	if c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required")
	}
	if c.ExchangeAPIKey == "" {
		return fmt.Errorf("EXCHANGE_API_KEY is required")
	}
	if c.ExchangeAPISecret == "" {
		return fmt.Errorf("EXCHANGE_API_SECRET is required")
	}
	if c.SanitizeMode != "strict" && c.SanitizeMode != "repair" {
		return fmt.Errorf("SANITIZE_MODE must be strict or repair, got %q", c.SanitizeMode)
	}
	if c.MaxLeverage < 1 || c.MaxLeverage > 125 {
		return fmt.Errorf("MAX_LEVERAGE must be within [1,125], got %d", c.MaxLeverage)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("MAX_IN_FLIGHT must be at least 1, got %d", c.MaxInFlight)
	}
	if c.AppEnv != "dev" {
		if len(c.InternalToken) < envconfig.MinSecretLength {
			return fmt.Errorf("INTERNAL_TOKEN must be at least %d characters (APP_ENV=%s)", envconfig.MinSecretLength, c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.InternalToken) {
			return fmt.Errorf("INTERNAL_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.ExchangeAPIKey) {
			return fmt.Errorf("EXCHANGE_API_KEY must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.ExchangeAPISecret) {
			return fmt.Errorf("EXCHANGE_API_SECRET must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.AuditDBEnabled {
			if c.DBPassword == "" || c.DBPassword == "exchange123" {
				return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
			}
			if strings.EqualFold(c.DBSSLMode, "disable") {
				return fmt.Errorf("DB_SSL_MODE must not be disable (APP_ENV=%s)", c.AppEnv)
			}
		}
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=" + c.DBSSLMode
}
