package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig
	Socket   SocketConfig
	Streams  []StreamConfig
	Book     BookConfig
	Metrics  MetricsConfig
	Runtime  RuntimeConfig
}

type ExchangeConfig struct {
	Testnet    bool
	Standalone bool
	WSUrl      string
	RestUrl    string
	ApiKey     string
	Secret     string
	ID         string
}

type SocketConfig struct {
	Limited          bool
	QueueSize        int
	QueueDelay       time.Duration
	PingDelay        time.Duration
	PongTimeout      time.Duration
	Reconnect        bool
	ConnDelay        time.Duration
	ConnMaxDelay     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	EventBuffer      int
}

type StreamConfig struct {
	Name   string   `mapstructure:"name"`
	Tables []string `mapstructure:"tables"`
	Auth   bool     `mapstructure:"auth"`
}

type BookConfig struct {
	Enabled bool
}

type MetricsConfig struct {
	Listen string
}

type RuntimeConfig struct {
	Log LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func Load() (*Config, error) {
	return LoadFrom("configs")
}

func LoadFrom(dir string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Не удалось прочитать конфигурацию: %w", err)
		}
	}

	cfg := &Config{}

	cfg.Exchange = ExchangeConfig{
		Testnet:    v.GetBool("exchange.testnet"),
		Standalone: v.GetBool("exchange.standalone"),
		WSUrl:      v.GetString("exchange.ws_url"),
		RestUrl:    v.GetString("exchange.rest_url"),
		ApiKey:     envSub(v, "exchange.api_key"),
		Secret:     envSub(v, "exchange.secret"),
		ID:         v.GetString("exchange.id"),
	}

	cfg.Socket = SocketConfig{
		Limited:          v.GetBool("socket.limited"),
		QueueSize:        v.GetInt("socket.queue_size"),
		QueueDelay:       v.GetDuration("socket.queue_delay"),
		PingDelay:        v.GetDuration("socket.ping_delay"),
		PongTimeout:      v.GetDuration("socket.pong_timeout"),
		Reconnect:        v.GetBool("socket.reconnect"),
		ConnDelay:        v.GetDuration("socket.conn_delay"),
		ConnMaxDelay:     v.GetDuration("socket.conn_max_delay"),
		WriteTimeout:     v.GetDuration("socket.write_timeout"),
		HandshakeTimeout: v.GetDuration("socket.handshake_timeout"),
		EventBuffer:      v.GetInt("socket.event_buffer"),
	}

	if err := v.UnmarshalKey("streams", &cfg.Streams); err != nil {
		return nil, fmt.Errorf("Не удалось разобрать streams: %w", err)
	}

	cfg.Book = BookConfig{
		Enabled: v.GetBool("book.enabled"),
	}

	cfg.Metrics = MetricsConfig{
		Listen: v.GetString("metrics.listen"),
	}

	cfg.Runtime = RuntimeConfig{
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("socket.limited", true)
	v.SetDefault("socket.queue_size", 5)
	v.SetDefault("socket.queue_delay", 5*time.Second)
	v.SetDefault("socket.ping_delay", 5*time.Second)
	v.SetDefault("socket.pong_timeout", 10*time.Second)
	v.SetDefault("socket.reconnect", true)
	v.SetDefault("socket.conn_delay", 10*time.Second)
	v.SetDefault("socket.conn_max_delay", 0)
	v.SetDefault("socket.write_timeout", 5*time.Second)
	v.SetDefault("socket.handshake_timeout", 10*time.Second)
	v.SetDefault("socket.event_buffer", 256)

	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "text")
	v.SetDefault("runtime.log.file", "stdout")
	v.SetDefault("runtime.log.max_size", 50)
	v.SetDefault("runtime.log.max_backups", 5)
	v.SetDefault("runtime.log.max_age", 14)
}

func (c *Config) Validate() error {
	if c.Socket.Limited {
		if c.Socket.QueueSize <= 0 {
			return fmt.Errorf("socket.queue_size должен быть больше нуля: %d", c.Socket.QueueSize)
		}
		if c.Socket.QueueDelay <= 0 {
			return fmt.Errorf("socket.queue_delay должен быть больше нуля: %s", c.Socket.QueueDelay)
		}
	}
	if c.Socket.Reconnect && c.Socket.ConnDelay <= 0 {
		return fmt.Errorf("socket.conn_delay должен быть больше нуля: %s", c.Socket.ConnDelay)
	}
	if c.Exchange.Standalone && len(c.Streams) > 1 {
		return fmt.Errorf("В режиме standalone допускается только один поток, получено %d", len(c.Streams))
	}
	if (c.Exchange.ApiKey == "") != (c.Exchange.Secret == "") {
		return fmt.Errorf("exchange.api_key и exchange.secret задаются только вместе")
	}
	return nil
}

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	return envPattern.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
