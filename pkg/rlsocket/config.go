package rlsocket

import (
	"net"
	"strings"
	"time"
)

// LogLevel определяет уровень детализации логирования для библиотеки rlsocket.
// Уровни влияют только на debug логи - Info, Warn и Error логи всегда выводятся.
type LogLevel int

const (
	// LogLevelInfo отключает все debug логи, выводятся только Info/Warn/Error.
	// Подходит для production использования.
	LogLevelInfo LogLevel = 0

	// LogLevelDebug1 включает основные debug события:
	// - Закрытие соединений
	// - Результаты connect
	// - Connection cleanup
	LogLevelDebug1 LogLevel = 1

	// LogLevelDebug2 включает детали соединений (в дополнение к Debug1):
	// - Переходы между состояниями соединения
	// - Запуск/остановка read/write горутин
	// - Вызовы обработчиков (OnConnected, OnMessage, idle события)
	LogLevelDebug2 LogLevel = 2

	// LogLevelDebug3 включает максимальную детализацию (в дополнение к Debug1 и Debug2):
	// - Отправка и получение байт
	// - Состояние буфера накопления фреймов
	// ВНИМАНИЕ: Генерирует большой объем логов!
	LogLevelDebug3 LogLevel = 3
)

// String возвращает строковое представление уровня логирования.
func (l LogLevel) String() string {
	switch l {
	case LogLevelInfo:
		return "Info"
	case LogLevelDebug1:
		return "Debug1"
	case LogLevelDebug2:
		return "Debug2"
	case LogLevelDebug3:
		return "Debug3"
	default:
		return "Unknown"
	}
}

// Значения по умолчанию для конфигурации.
const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultIdleTimeout     = 30 * time.Second
	DefaultReadBufferSize  = 4096
	DefaultWriteQueueSize  = 100
	DefaultReconnectDelay  = 1 * time.Second
	DefaultReconnectMaxCap = 30 * time.Second
)

// IdleConfig задаёт таймауты простоя соединения.
// Неположительное значение заменяется на DefaultIdleTimeout.
type IdleConfig struct {
	// ReadIdle - время без входящих данных, после которого вызывается OnReadIdle.
	ReadIdle time.Duration

	// WriteIdle - время без исходящих данных, после которого вызывается OnWriteIdle.
	WriteIdle time.Duration

	// AllIdle - время без чтения и записи одновременно, после которого вызывается OnAllIdle.
	AllIdle time.Duration
}

func (c *IdleConfig) applyDefaults() {
	if c.ReadIdle <= 0 {
		c.ReadIdle = DefaultIdleTimeout
	}
	if c.WriteIdle <= 0 {
		c.WriteIdle = DefaultIdleTimeout
	}
	if c.AllIdle <= 0 {
		c.AllIdle = DefaultIdleTimeout
	}
}

// ServerConfig содержит параметры конфигурации TCP сервера.
type ServerConfig struct {
	// Name - имя сервера, используется в логах и метриках. Обязательное поле.
	Name string

	// Address - адрес для прослушивания в формате "host:port" (например, ":9999").
	Address string

	// MaxConnections ограничивает максимальное количество одновременных подключений.
	// 0 или отрицательное значение означает отсутствие ограничения.
	MaxConnections int

	// MaxConnectionsPerOrigin ограничивает количество одновременных сессий с одного
	// удалённого адреса. Отрицательное значение отключает ограничение, 0 запрещает все подключения.
	MaxConnectionsPerOrigin int

	// Idle - таймауты простоя для каждого соединения.
	Idle IdleConfig

	// ReadBufferSize размер буфера одного чтения из сокета (в байтах).
	// Если 0, используется DefaultReadBufferSize.
	ReadBufferSize int

	// WriteQueueSize ёмкость очереди исходящих сообщений соединения.
	// Если 0, используется DefaultWriteQueueSize.
	WriteQueueSize int

	// Logger используется для логгирования событий сервера.
	// Если nil, используется NoopLogger (без логгирования).
	Logger Logger

	// LogLevel уровень детализации debug логов.
	LogLevel LogLevel
}

// DefaultServerConfig возвращает конфигурацию сервера со значениями по умолчанию
// и отключённым ограничением подключений на один адрес.
func DefaultServerConfig(name, address string) ServerConfig {
	cfg := ServerConfig{
		Name:                    name,
		Address:                 address,
		MaxConnectionsPerOrigin: -1,
	}
	cfg.applyDefaults()
	return cfg
}

// Validate проверяет обязательные поля конфигурации.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ConfigError{Field: "Name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.Address) == "" {
		return &ConfigError{Field: "Address", Reason: "must not be empty"}
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return &ConfigError{Field: "Address", Reason: err.Error()}
	}
	if c.ReadBufferSize < 0 {
		return &ConfigError{Field: "ReadBufferSize", Reason: "must be >= 0"}
	}
	if c.WriteQueueSize < 0 {
		return &ConfigError{Field: "WriteQueueSize", Reason: "must be >= 0"}
	}
	return nil
}

func (c *ServerConfig) applyDefaults() {
	if c.Logger == nil {
		c.Logger = NewNoopLogger()
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
	c.Idle.applyDefaults()
}

// ClientConfig содержит параметры конфигурации TCP клиента.
type ClientConfig struct {
	// Name - имя клиента, используется в логах и метриках. Обязательное поле.
	Name string

	// Address - адрес сервера в формате "host:port".
	Address string

	// ConnectTimeout таймаут для установки соединения.
	// Если 0 или отрицательный, используется DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Idle - таймауты простоя для каждого соединения.
	Idle IdleConfig

	// ReadBufferSize размер буфера одного чтения из сокета (в байтах).
	ReadBufferSize int

	// WriteQueueSize ёмкость очереди исходящих сообщений соединения.
	WriteQueueSize int

	// ReconnectBaseDelay базовая задержка перед повторной попыткой в ConnectRetry.
	// Задержка увеличивается экспоненциально: baseDelay * 2^(attempt-1).
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay максимальная задержка между попытками в ConnectRetry.
	ReconnectMaxDelay time.Duration

	// Logger используется для логгирования событий клиента.
	Logger Logger

	// LogLevel уровень детализации debug логов.
	LogLevel LogLevel
}

// Validate проверяет обязательные поля конфигурации.
func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ConfigError{Field: "Name", Reason: "must not be empty"}
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(c.Address))
	if err != nil {
		return &ConfigError{Field: "Address", Reason: "must be host:port"}
	}
	if host == "" || port == "" {
		return &ConfigError{Field: "Address", Reason: "must be host:port"}
	}
	if c.ReadBufferSize < 0 {
		return &ConfigError{Field: "ReadBufferSize", Reason: "must be >= 0"}
	}
	if c.WriteQueueSize < 0 {
		return &ConfigError{Field: "WriteQueueSize", Reason: "must be >= 0"}
	}
	return nil
}

func (c *ClientConfig) applyDefaults() {
	if c.Logger == nil {
		c.Logger = NewNoopLogger()
	}
	c.Address = strings.TrimSpace(c.Address)
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.WriteQueueSize == 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = DefaultReconnectDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = DefaultReconnectMaxCap
	}
	c.Idle.applyDefaults()
}
