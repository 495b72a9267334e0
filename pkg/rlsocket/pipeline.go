package rlsocket

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// ConnID - непрозрачный идентификатор соединения на стороне клиента.
// Допустимы только сравнение и использование в качестве ключа.
type ConnID string

// SessionID - непрозрачный идентификатор сессии на стороне сервера.
type SessionID string

func newConnID() ConnID {
	return ConnID(uuid.NewString())
}

func newSessionID() SessionID {
	return SessionID(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Codec определяет преобразование сообщений протокола в байты и обратно.
// Параметр типа T представляет тип сообщений протокола.
//
// Этот интерфейс отделяет логику протокола от транспорта: фасады зависят только от него.
type Codec[T any] interface {
	// Encode вызывается один раз для каждого исходящего сообщения.
	// Вызовы для одного соединения выполняются последовательно в горутине записи,
	// поэтому реализация должна быть детерминированной и не обращаться к обработчикам.
	//
	// Возвращает:
	//   - []byte: байты для отправки; nil означает "нечего отправлять"
	//   - error: ошибка кодирования (сообщение отбрасывается, вызывается OnError)
	Encode(c *Connection[T], msg T) ([]byte, error)

	// Decode вызывается после каждого поступления байт из сокета.
	// Реализация вычитывает из in только полные фреймы; незавершённый фрейм
	// должен остаться в буфере (см. FrameBuffer.Mark/Reset).
	//
	// Возвращает:
	//   - []T: декодированные сообщения в порядке поступления
	//   - error: nil; восстановимая ошибка (DropFrame) - декодирование продолжится;
	//     любая другая ошибка - соединение будет закрыто
	Decode(c *Connection[T], in *FrameBuffer) ([]T, error)
}

// Handlers - набор обработчиков событий соединения.
// Любое поле может быть nil. Все обработчики одного соединения вызываются
// последовательно из его eventLoop в порядке возникновения событий.
type Handlers[T any] struct {
	// OnConnected вызывается первым, сразу после установки соединения.
	OnConnected func(ctx context.Context, c *Connection[T])

	// OnDisconnected вызывается ровно один раз после полного закрытия соединения.
	OnDisconnected func(c *Connection[T])

	// OnError вызывается для ошибок транспорта и декодирования.
	// Сам по себе вызов не закрывает соединение.
	OnError func(c *Connection[T], err error)

	// OnReadIdle вызывается, если входящих данных не было дольше IdleConfig.ReadIdle.
	OnReadIdle func(ctx context.Context, c *Connection[T])

	// OnWriteIdle вызывается, если исходящих данных не было дольше IdleConfig.WriteIdle.
	OnWriteIdle func(ctx context.Context, c *Connection[T])

	// OnAllIdle вызывается, если не было ни чтения, ни записи дольше IdleConfig.AllIdle.
	OnAllIdle func(ctx context.Context, c *Connection[T])

	// OnMessage вызывается для каждого декодированного сообщения.
	OnMessage func(ctx context.Context, c *Connection[T], msg T)
}

// ConnState - состояние соединения.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IdleKind - тип события простоя.
type IdleKind int

const (
	IdleRead IdleKind = iota
	IdleWrite
	IdleAll
)

func (k IdleKind) String() string {
	switch k {
	case IdleRead:
		return "read"
	case IdleWrite:
		return "write"
	case IdleAll:
		return "all"
	default:
		return "unknown"
	}
}
