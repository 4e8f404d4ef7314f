// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// 广播模式
const (
	BroadcastConversation = "conversation"
	BroadcastGlobal       = "global"
)

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Chat     ChatConfig     `mapstructure:"chat"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig 存储所有外部存储的配置，均为可选。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 对话归档库。
type MySQLConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// RedisConfig 对话快照镜像。
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`
}

// LLMConfig 存储大语言模型相关的配置。Provider 决定使用哪个后端。
type LLMConfig struct {
	Provider         string              `mapstructure:"provider"`
	APIKey           string              `mapstructure:"api_key"`
	BaseURL          string              `mapstructure:"base_url"`
	Model            string              `mapstructure:"model"`
	AnthropicVersion string              `mapstructure:"anthropic_version"`
	Timeout          time.Duration       `mapstructure:"timeout"`
	Generation       LLMGenerationConfig `mapstructure:"generation"`
}

// LLMGenerationConfig 配置生成相关参数。
type LLMGenerationConfig struct {
	Temperature float64 `mapstructure:"temperature"`
	TopP        float64 `mapstructure:"top_p"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// ChatConfig 描述会话协调器的策略：上下文窗口、系统提示、容量上限与广播模式。
type ChatConfig struct {
	HTTPContextLimit     int           `mapstructure:"http_context_limit"`
	RealtimeContextLimit int           `mapstructure:"realtime_context_limit"`
	HTTPSystemPrompt     string        `mapstructure:"http_system_prompt"`
	RealtimeSystemPrompt string        `mapstructure:"realtime_system_prompt"`
	MaxMessageLength     int           `mapstructure:"max_message_length"`
	BroadcastMode        string        `mapstructure:"broadcast_mode"`
	MaxConversations     int           `mapstructure:"max_conversations"`
	MaxMessages          int           `mapstructure:"max_messages"`
	IdleTTL              time.Duration `mapstructure:"idle_ttl"`
	EvictionInterval     time.Duration `mapstructure:"eviction_interval"`
	MaxConnections       int           `mapstructure:"max_connections"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "")

	v.SetDefault("database.mysql.enabled", false)
	v.SetDefault("database.mysql.dsn", "")
	v.SetDefault("database.redis.enabled", false)
	v.SetDefault("database.redis.addr", "localhost:6379")
	v.SetDefault("database.redis.password", "")
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("database.redis.ttl", 7*24*time.Hour)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "chat-exchanges")
	v.SetDefault("kafka.group_id", "chat-relay-archiver")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.anthropic_version", "2023-06-01")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.generation.temperature", 0.7)
	v.SetDefault("llm.generation.top_p", 0)
	v.SetDefault("llm.generation.max_tokens", 1000)

	v.SetDefault("chat.http_context_limit", 10)
	v.SetDefault("chat.realtime_context_limit", 8)
	v.SetDefault("chat.http_system_prompt", "You are a helpful assistant. Answer clearly and keep the conversation context in mind.")
	v.SetDefault("chat.realtime_system_prompt", "You are a helpful assistant in a live chat. Keep answers short.")
	v.SetDefault("chat.max_message_length", 4000)
	v.SetDefault("chat.broadcast_mode", BroadcastConversation)
	v.SetDefault("chat.max_conversations", 10000)
	v.SetDefault("chat.max_messages", 200)
	v.SetDefault("chat.idle_ttl", 24*time.Hour)
	v.SetDefault("chat.eviction_interval", time.Minute)
	v.SetDefault("chat.max_connections", 5000)
}

// Load 从指定路径读取 YAML 配置，环境变量（CHAT_ 前缀）可以覆盖文件中的任意键。
// configPath 为空时只使用默认值和环境变量。
func Load(configPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查会影响协调器行为的配置项。
func (c Config) Validate() error {
	switch c.Chat.BroadcastMode {
	case BroadcastConversation, BroadcastGlobal:
	default:
		return fmt.Errorf("chat.broadcast_mode 取值无效: %q", c.Chat.BroadcastMode)
	}
	if c.Chat.HTTPContextLimit <= 0 || c.Chat.RealtimeContextLimit <= 0 {
		return fmt.Errorf("chat 上下文窗口必须大于 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout 必须大于 0")
	}
	if c.Database.MySQL.Enabled && c.Database.MySQL.DSN == "" {
		return fmt.Errorf("启用 mysql 时必须配置 database.mysql.dsn")
	}
	if c.Kafka.Enabled && !c.Database.MySQL.Enabled {
		return fmt.Errorf("kafka 归档消费者依赖 mysql，请同时启用 database.mysql")
	}
	return nil
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = cfg
}
