package rlsocket

import (
	"github.com/rs/zerolog"
)

// Logger определяет интерфейс для логгирования событий клиента и сервера.
// Реализация этого интерфейса передаётся через ServerConfig/ClientConfig.
//
// Сообщения форматируются в стиле fmt.Printf. *slog.Logger тоже удовлетворяет
// интерфейсу, но аргументы будут выведены как пары ключ-значение.
type Logger interface {
	// Info логгирует информационное сообщение с опциональными аргументами.
	Info(msg string, args ...interface{})

	// Warn логгирует предупреждающее сообщение с опциональными аргументами.
	// Используется для нештатных ситуаций, не требующих немедленного вмешательства
	// (например, отклонённое подключение).
	Warn(msg string, args ...interface{})

	// Error логгирует сообщение об ошибке с опциональными аргументами.
	Error(msg string, args ...interface{})
}

// noopLogger реализует Logger интерфейс, но не выполняет никаких действий.
// Используется как дефолтный логгер, если пользователь не предоставил свой.
type noopLogger struct{}

func (n *noopLogger) Info(msg string, args ...interface{})  {}
func (n *noopLogger) Warn(msg string, args ...interface{})  {}
func (n *noopLogger) Error(msg string, args ...interface{}) {}

// NewNoopLogger создает новый логгер, который игнорирует все сообщения.
// Полезно для тестирования или когда логгирование не требуется.
func NewNoopLogger() Logger {
	return &noopLogger{}
}

// zerologLogger адаптирует zerolog.Logger к интерфейсу Logger.
type zerologLogger struct {
	zl zerolog.Logger
}

// NewZerologLogger оборачивает zerolog.Logger в Logger.
//
// Пример:
//
//	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
//	cfg.Logger = rlsocket.NewZerologLogger(zl)
func NewZerologLogger(zl zerolog.Logger) Logger {
	return &zerologLogger{zl: zl}
}

func (l *zerologLogger) Info(msg string, args ...interface{}) {
	l.zl.Info().Msgf(msg, args...)
}

func (l *zerologLogger) Warn(msg string, args ...interface{}) {
	l.zl.Warn().Msgf(msg, args...)
}

func (l *zerologLogger) Error(msg string, args ...interface{}) {
	l.zl.Error().Msgf(msg, args...)
}

// levelLogger добавляет к Logger debug-уровни из LogLevel.
// Debug сообщения пишутся через Info, только если уровень конфигурации позволяет.
type levelLogger struct {
	Logger
	level LogLevel
}

func newLevelLogger(logger Logger, level LogLevel) *levelLogger {
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &levelLogger{Logger: logger, level: level}
}

func (l *levelLogger) debug(level LogLevel, msg string, args ...interface{}) {
	if l.level >= level {
		l.Logger.Info(msg, args...)
	}
}

// Debug1 - закрытие соединений, cleanup, результаты подключения.
func (l *levelLogger) Debug1(msg string, args ...interface{}) { l.debug(LogLevelDebug1, msg, args...) }

// Debug2 - переходы состояний, вызовы обработчиков.
func (l *levelLogger) Debug2(msg string, args ...interface{}) { l.debug(LogLevelDebug2, msg, args...) }

// Debug3 - байты, буферы, низкоуровневые детали.
func (l *levelLogger) Debug3(msg string, args ...interface{}) { l.debug(LogLevelDebug3, msg, args...) }
