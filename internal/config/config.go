package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Auth    AuthConfig
	Lock    LockConfig
	Session SessionConfig
	AI      AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	addr, err := listenAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.AI.loadSampling(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q: want %s or %s", c.Store.Driver, DriverMemory, DriverSQLite)
	}
	if c.Store.Driver == DriverSQLite && strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("STORE_PATH is required for the sqlite driver")
	}
	if c.Lock.Ceiling <= 0 || c.Lock.SweepInterval <= 0 {
		return fmt.Errorf("LOCK_CEILING and LOCK_SWEEP_INTERVAL must be positive")
	}
	if c.Session.IdleTimeout <= 0 || c.Session.PingInterval <= 0 || c.Session.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.Session.PingInterval >= c.Session.IdleTimeout {
		return fmt.Errorf("WS_PING_INTERVAL (%s) must be shorter than WS_IDLE_TIMEOUT (%s)", c.Session.PingInterval, c.Session.IdleTimeout)
	}
	if c.Session.SendQueue < 1 {
		return fmt.Errorf("WS_SEND_QUEUE must be at least 1")
	}
	if c.Session.InitWindow < 1 || c.Session.MaxPage < c.Session.InitWindow {
		return fmt.Errorf("SESSION_MAX_PAGE (%d) must be at least SESSION_INIT_WINDOW (%d) and both positive", c.Session.MaxPage, c.Session.InitWindow)
	}
	if c.AI.HistoryLimit < 1 {
		c.AI.HistoryLimit = 1
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port string `env:"PORT"    envDefault:"8080"`
	Env  string `env:"APP_ENV" envDefault:"production"`
	Addr string
}

// Development 表示是否运行在本地开发模式。
func (c ServerConfig) Development() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

// listenAddr 解析服务器监听地址。
func listenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// StoreConfig 选择会话树的存储引擎。
type StoreConfig struct {
	Driver string `env:"STORE_DRIVER" envDefault:"memory"`
	Path   string `env:"STORE_PATH"   envDefault:"./data/arbor.db"`
}

// AuthConfig 描述 JWT 身份校验配置。
type AuthConfig struct {
	Secret   string        `env:"AUTH_SECRET,required,notEmpty"`
	TokenTTL time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"1h"`
}

// LockConfig 控制写锁的上限时长与巡检周期。
type LockConfig struct {
	Ceiling       time.Duration `env:"LOCK_CEILING"        envDefault:"2m"`
	SweepInterval time.Duration `env:"LOCK_SWEEP_INTERVAL" envDefault:"5s"`
}

// SessionConfig 控制 WebSocket 会话的超时与窗口大小。
type SessionConfig struct {
	IdleTimeout  time.Duration `env:"WS_IDLE_TIMEOUT"     envDefault:"300s"`
	PingInterval time.Duration `env:"WS_PING_INTERVAL"    envDefault:"54s"`
	WriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT"    envDefault:"10s"`
	SendQueue    int           `env:"WS_SEND_QUEUE"       envDefault:"256"`
	InitWindow   int           `env:"SESSION_INIT_WINDOW" envDefault:"16"`
	MaxPage      int           `env:"SESSION_MAX_PAGE"    envDefault:"256"`
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey        string `env:"ARK_API_KEY"`
	AccessKey     string `env:"ARK_ACCESS_KEY"`
	SecretKey     string `env:"ARK_SECRET_KEY"`
	Model         string `env:"Model"`
	BaseURL       string `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region        string `env:"ARK_REGION"   envDefault:"cn-beijing"`
	HistoryLimit  int    `env:"AI_HISTORY_LIMIT" envDefault:"10"`
	ScriptedReply string `env:"AI_SCRIPTED_REPLY"`

	// 采样参数未设置时保持 nil，交给模型默认值
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func (c *AIConfig) loadSampling() error {
	var err error
	if c.Temperature, err = parseOptionalFloatEnv("ARK_TEMPERATURE"); err != nil {
		return err
	}
	if c.TopP, err = parseOptionalFloatEnv("ARK_TOP_P"); err != nil {
		return err
	}
	if c.MaxTokens, err = parseOptionalIntEnv("ARK_MAX_TOKENS"); err != nil {
		return err
	}
	return nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
