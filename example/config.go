package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/example/rlsocket/pkg/rlsocket"
)

// demoConfig - ключи файла конфигурации демо-приложения (YAML или TOML).
type demoConfig struct {
	Name                    string `yaml:"name" toml:"name"`
	Listen                  string `yaml:"listen" toml:"listen"`
	Remote                  string `yaml:"remote" toml:"remote"`
	MaxConnections          int    `yaml:"max_connections" toml:"max_connections"`
	MaxConnectionsPerOrigin int    `yaml:"max_connections_per_origin" toml:"max_connections_per_origin"`
	ConnectTimeoutMS        int    `yaml:"connect_timeout_ms" toml:"connect_timeout_ms"`
	ReadIdleSeconds         int    `yaml:"read_idle_seconds" toml:"read_idle_seconds"`
	WriteIdleSeconds        int    `yaml:"write_idle_seconds" toml:"write_idle_seconds"`
	AllIdleSeconds          int    `yaml:"all_idle_seconds" toml:"all_idle_seconds"`
	ShutdownSeconds         int    `yaml:"shutdown_seconds" toml:"shutdown_seconds"`
	Connections             int    `yaml:"connections" toml:"connections"`
	LogLevel                int    `yaml:"log_level" toml:"log_level"`
	MetricsAddr             string `yaml:"metrics_addr" toml:"metrics_addr"`
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		Name:                    "chat",
		Listen:                  ":9999",
		Remote:                  "127.0.0.1:9999",
		MaxConnectionsPerOrigin: -1,
		ConnectTimeoutMS:        int(rlsocket.DefaultConnectTimeout / time.Millisecond),
		ShutdownSeconds:         5,
		Connections:             1,
	}
}

// loadConfig читает файл конфигурации; формат выбирается по расширению.
// Пустой path возвращает значения по умолчанию.
func loadConfig(path string) (demoConfig, error) {
	if path == "" {
		return defaultDemoConfig(), nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	case ".toml":
		return loadTOML(path)
	default:
		return demoConfig{}, errors.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// loadYAML раскрывает ${VAR} и накладывает файл поверх значений по умолчанию.
func loadYAML(path string) (demoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return demoConfig{}, errors.Wrap(err, "read config file")
	}

	cfg := defaultDemoConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return demoConfig{}, errors.Wrap(err, "parse config yaml")
	}
	return cfg, nil
}

// loadTOML накладывает только заданные в файле ключи поверх значений по умолчанию.
func loadTOML(path string) (demoConfig, error) {
	cfg := defaultDemoConfig()

	var raw demoConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return demoConfig{}, errors.Wrap(err, "load config toml")
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("remote") {
		cfg.Remote = strings.TrimSpace(raw.Remote)
	}
	if meta.IsDefined("max_connections") {
		cfg.MaxConnections = raw.MaxConnections
	}
	if meta.IsDefined("max_connections_per_origin") {
		cfg.MaxConnectionsPerOrigin = raw.MaxConnectionsPerOrigin
	}
	if meta.IsDefined("connect_timeout_ms") {
		cfg.ConnectTimeoutMS = raw.ConnectTimeoutMS
	}
	if meta.IsDefined("read_idle_seconds") {
		cfg.ReadIdleSeconds = raw.ReadIdleSeconds
	}
	if meta.IsDefined("write_idle_seconds") {
		cfg.WriteIdleSeconds = raw.WriteIdleSeconds
	}
	if meta.IsDefined("all_idle_seconds") {
		cfg.AllIdleSeconds = raw.AllIdleSeconds
	}
	if meta.IsDefined("shutdown_seconds") {
		cfg.ShutdownSeconds = raw.ShutdownSeconds
	}
	if meta.IsDefined("connections") {
		cfg.Connections = raw.Connections
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = raw.LogLevel
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	return cfg, nil
}

func (c demoConfig) idle() rlsocket.IdleConfig {
	return rlsocket.IdleConfig{
		ReadIdle:  time.Duration(c.ReadIdleSeconds) * time.Second,
		WriteIdle: time.Duration(c.WriteIdleSeconds) * time.Second,
		AllIdle:   time.Duration(c.AllIdleSeconds) * time.Second,
	}
}

func (c demoConfig) logLevel() rlsocket.LogLevel {
	switch c.LogLevel {
	case 1:
		return rlsocket.LogLevelDebug1
	case 2:
		return rlsocket.LogLevelDebug2
	case 3:
		return rlsocket.LogLevelDebug3
	default:
		return rlsocket.LogLevelInfo
	}
}

func (c demoConfig) serverConfig(logger rlsocket.Logger) rlsocket.ServerConfig {
	cfg := rlsocket.DefaultServerConfig(c.Name, c.Listen)
	cfg.MaxConnections = c.MaxConnections
	cfg.MaxConnectionsPerOrigin = c.MaxConnectionsPerOrigin
	cfg.Idle = c.idle()
	cfg.Logger = logger
	cfg.LogLevel = c.logLevel()
	return cfg
}

func (c demoConfig) clientConfig(logger rlsocket.Logger) rlsocket.ClientConfig {
	return rlsocket.ClientConfig{
		Name:           c.Name + "-client",
		Address:        c.Remote,
		ConnectTimeout: time.Duration(c.ConnectTimeoutMS) * time.Millisecond,
		Idle:           c.idle(),
		Logger:         logger,
		LogLevel:       c.logLevel(),
	}
}

func (c demoConfig) shutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}

// Validate проверяет значения, которые библиотека не проверяет сама.
func (c demoConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	if c.Connections <= 0 {
		return errors.Errorf("connections must be positive, got %d", c.Connections)
	}
	if c.ShutdownSeconds < 0 {
		return errors.Errorf("shutdown_seconds must not be negative, got %d", c.ShutdownSeconds)
	}
	if c.LogLevel < 0 || c.LogLevel > 3 {
		return errors.Errorf("log_level must be in [0, 3], got %d", c.LogLevel)
	}
	return nil
}
