package rlsocket

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfig возвращается конструкторами при некорректной конфигурации.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectFailed возвращается Connect, если соединение не установлено.
	ErrConnectFailed = errors.New("connection failed")

	// ErrNotFound - неизвестный или устаревший идентификатор соединения или сессии.
	ErrNotFound = errors.New("not found")

	// ErrNoConnection - в пуле нет ни одного живого соединения.
	ErrNoConnection = errors.New("no connection available")

	// ErrAdmissionRejected - превышен лимит подключений с одного адреса.
	ErrAdmissionRejected = errors.New("admission rejected")

	// ErrMaxConnectionsReached - достигнут общий лимит подключений сервера.
	ErrMaxConnectionsReached = errors.New("maximum connections reached")

	// ErrFrame - некорректный фрейм или ошибка декодирования.
	ErrFrame = errors.New("frame error")

	// ErrFlushFailed - запись в сокет завершилась ошибкой.
	ErrFlushFailed = errors.New("flush failed")

	// ErrConnectionClosed - операция над закрытым или закрывающимся соединением.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotStarted - фасад не запущен или находится в процессе запуска/остановки.
	ErrNotStarted = errors.New("not started")
)

// ConfigError описывает некорректное поле конфигурации.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// ConnectError возвращается, когда удалённый адрес недоступен или истёк таймаут.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Is(target error) bool { return target == ErrConnectFailed }

// AdmissionError - отказ в регистрации сессии из-за лимита на адрес.
type AdmissionError struct {
	Origin string
	Limit  int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: origin %s reached limit %d", e.Origin, e.Limit)
}

func (e *AdmissionError) Is(target error) bool { return target == ErrAdmissionRejected }

// FrameError - ошибка разбора входящего потока.
//
// Recoverable == true означает, что границы фреймов не нарушены: испорченный фрейм
// уже отброшен и декодирование можно продолжить. Иначе соединение закрывается.
type FrameError struct {
	Err         error
	Recoverable bool
}

func (e *FrameError) Error() string {
	if e.Recoverable {
		return fmt.Sprintf("frame dropped: %v", e.Err)
	}
	return fmt.Sprintf("frame error: %v", e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

func (e *FrameError) Is(target error) bool { return target == ErrFrame }

// DropFrame помечает ошибку декодирования тела фрейма как восстановимую.
// Кодек возвращает её после того, как испорченный фрейм полностью вычитан из буфера.
func DropFrame(err error) error {
	return &FrameError{Err: err, Recoverable: true}
}

// isRecoverableFrameError возвращает true только для явно восстановимых ошибок фрейма.
func isRecoverableFrameError(err error) bool {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Recoverable
	}
	return false
}

// FlushError - запись сообщения в сокет не подтверждена.
type FlushError struct {
	Err error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush failed: %v", e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

func (e *FlushError) Is(target error) bool { return target == ErrFlushFailed }
