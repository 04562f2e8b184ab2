package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// EnvAPIKey is the environment variable holding the default API key.
const EnvAPIKey = "GROQ_API_KEY"

// DefaultSystemPrompt constrains the assistant to programming education.
const DefaultSystemPrompt = `You are "DSA Coder", an AI assistant specialized in Python programming.
Help beginner students with didactic explanations and commented code examples.
Only answer questions related to programming.`

// Config holds the application configuration
type Config struct {
	LLM     LLMConfig
	Server  ServerConfig
	History HistoryConfig
	Log     LogConfig
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider     string `mapstructure:"provider"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// ServerConfig holds the web server configuration
type ServerConfig struct {
	Host       string        `mapstructure:"host"`
	Port       string        `mapstructure:"port"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

// HistoryConfig bounds how much of a session is sent with each request.
// MaxMessages <= 0 sends the whole session.
type HistoryConfig struct {
	MaxMessages int `mapstructure:"max_messages"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Addr is the host:port the web server listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "groq")
	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.model", "openai/gpt-oss-20b")
	v.SetDefault("llm.system_prompt", DefaultSystemPrompt)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8501")
	v.SetDefault("server.session_ttl", "30m")
	v.SetDefault("history.max_messages", 20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from config.yaml (or CONFIG_PATH), the .env
// file and the environment. The environment wins over .env, which wins over
// the config file.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile is Load with an explicit config file path. An empty path looks
// for an optional config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.BindEnv("llm.api_key", EnvAPIKey); err != nil {
		return nil, err
	}
	if _, set := os.LookupEnv(EnvAPIKey); !set {
		if key := dotenvValue(EnvAPIKey); key != "" {
			v.Set("llm.api_key", key)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	return &config, nil
}

// dotenvValue reads key from the .env file at DOTENV_PATH (default ".env").
// A missing or unreadable file yields "".
func dotenvValue(key string) string {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}

	d := viper.New()
	d.SetConfigFile(path)
	d.SetConfigType("env")
	if err := d.ReadInConfig(); err != nil {
		return ""
	}
	return d.GetString(key)
}
