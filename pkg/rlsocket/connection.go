package rlsocket

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// writeDrainTimeout ограничивает время досылки буферизованных сообщений при закрытии.
const writeDrainTimeout = 5 * time.Second

// writeRequest - сообщение в очереди записи. done == nil для Write без ожидания.
type writeRequest[T any] struct {
	msg  T
	done chan error
}

func (r writeRequest[T]) finish(err error) {
	if r.done != nil {
		r.done <- err
	}
}

// connOptions - параметры, общие для всех соединений одного фасада.
type connOptions struct {
	name           string
	side           string
	readBufferSize int
	writeQueueSize int
	idle           IdleConfig
	logger         *levelLogger
}

// Connection представляет обёртку вокруг TCP соединения с упорядоченной
// обработкой событий.
//
// Параметр типа T должен соответствовать типу сообщений Codec.
//
// Каждое соединение обслуживают три горутины: чтение сырых байт из сокета,
// кодирование и запись исходящих сообщений, и eventLoop, который вызывает
// Decode и все обработчики Handlers последовательно, в порядке событий транспорта.
type Connection[T any] struct {
	// id - уникальный идентификатор соединения
	id ConnID

	// conn - базовое TCP соединение
	conn net.Conn

	codec Codec[T]
	opts  connOptions

	// Каналы для асинхронной работы
	writeChan chan writeRequest[T]
	readChan  chan []byte
	errorChan chan error

	// handlers - текущие обработчики событий (хранится через atomic.Value)
	handlers atomic.Value // Handlers[T]

	// userData - пользовательские данные, связанные с соединением
	userData atomic.Value // interface{}

	// sessionID назначается реестром сессий сервера один раз
	sessionID atomic.Pointer[SessionID]

	state atomic.Int32 // ConnState

	// established выставляется, когда соединение дошло до Connected;
	// только такие соединения получают OnDisconnected
	established atomic.Bool

	// Управление жизненным циклом
	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.RWMutex // защищает writeChan от отправки после закрытия
	writeShut bool
	closeOnce sync.Once
	startOnce sync.Once
	ready     chan struct{} // закрывается после OnConnected
	done      chan struct{} // закрывается после OnDisconnected и cleanupFunc

	// inbound принадлежит eventLoop
	inbound FrameBuffer
	idle    *idleTracker

	// cleanupFunc вызывается когда соединение завершается (из eventLoop)
	cleanupFunc func()

	logger *levelLogger
}

// newConnection создает соединение без запуска горутин. Запуск выполняет start,
// чтобы фасад успел зарегистрировать соединение до вызова OnConnected.
func newConnection[T any](
	parentCtx context.Context,
	conn net.Conn,
	codec Codec[T],
	handlers Handlers[T],
	opts connOptions,
	cleanupFunc func(),
) *Connection[T] {
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection[T]{
		id:          newConnID(),
		conn:        conn,
		codec:       codec,
		opts:        opts,
		writeChan:   make(chan writeRequest[T], opts.writeQueueSize),
		readChan:    make(chan []byte, 16),
		errorChan:   make(chan error, 16),
		ctx:         ctx,
		cancel:      cancel,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		cleanupFunc: cleanupFunc,
		logger:      opts.logger,
	}
	c.handlers.Store(handlers)
	c.state.Store(int32(StateConnecting))
	return c
}

// start запускает eventLoop. Повторные вызовы ничего не делают.
func (c *Connection[T]) start() {
	c.startOnce.Do(func() {
		go c.eventLoop()
	})
}

// abort закрывает соединение, которое так и не было запущено.
func (c *Connection[T]) abort() {
	c.cancel()
	c.shutWrites()
	c.setState(StateClosed)
	_ = c.conn.Close()
}

// readGoroutine читает байты из сокета и передаёт их в readChan.
// Завершается при закрытии сокета или отмене контекста.
func (c *Connection[T]) readGoroutine() {
	defer func() {
		close(c.readChan)
		c.logger.Debug2("Connection %s read loop closed %s", c.id, c.RemoteAddr())
	}()

	buf := make([]byte, c.opts.readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.idle.touchRead(time.Now())
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			c.logger.Debug3("Connection %s read %d bytes", c.id, n)

			select {
			case c.readChan <- chunk:
			case <-c.ctx.Done():
				return
			}
		}
		if err != nil {
			// EOF - нормальное завершение соединения удалённой стороной
			if errors.Is(err, io.EOF) {
				c.logger.Debug1("Socket of connection %s closed by remote peer (EOF)", c.id)
				return
			}
			// Таймаут или закрытый сокет после Close ожидаемы
			if c.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.reportError(errors.Wrap(err, "read"))
			return
		}
	}
}

// writeGoroutine кодирует и записывает сообщения из writeChan.
// Завершается только когда writeChan закрыт, поэтому каждый запрос получает ответ.
func (c *Connection[T]) writeGoroutine() {
	defer c.logger.Debug2("Connection %s write loop closed %s", c.id, c.RemoteAddr())

	broken := false
	for req := range c.writeChan {
		if broken {
			if req.done == nil {
				c.logger.Warn("Connection %s discarded queued message: %v", c.id, ErrConnectionClosed)
			}
			req.finish(ErrConnectionClosed)
			continue
		}

		data, err := c.codec.Encode(c, req.msg)
		if err != nil {
			err = errors.Wrap(err, "encode")
			if req.done == nil {
				c.logger.Warn("Connection %s dropped outgoing message: %v", c.id, err)
			}
			req.finish(err)
			c.reportError(err)
			continue
		}
		if len(data) == 0 {
			req.finish(nil)
			continue
		}

		if _, err := c.conn.Write(data); err != nil {
			ferr := &FlushError{Err: err}
			if req.done == nil {
				c.logger.Warn("Connection %s failed to send message: %v", c.id, ferr)
			}
			req.finish(ferr)
			recordFlushFailure(c.opts.name, c.opts.side)
			if c.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				c.reportError(ferr)
			}
			// Поток байт после частичной записи испорчен
			broken = true
			_ = c.Close(true)
			continue
		}

		c.idle.touchWrite(time.Now())
		c.logger.Debug3("Connection %s wrote %d bytes", c.id, len(data))
		req.finish(nil)
	}
}

// reportError передаёт ошибку в eventLoop. Если буфер ошибок заполнен, ошибка только логгируется.
func (c *Connection[T]) reportError(err error) {
	select {
	case c.errorChan <- err:
	default:
		c.logger.Error("Connection %s error dropped, queue is full: %v", c.id, err)
	}
}

// eventLoop - главная горутина обработки событий соединения.
// Вызывает Decode и все обработчики, кроме Encode.
func (c *Connection[T]) eventLoop() {
	defer close(c.done)

	c.idle = newIdleTracker(c.opts.idle, time.Now())

	// Внутренний WaitGroup для read/write горутин
	var ioWg sync.WaitGroup
	ioWg.Add(2)
	go func() {
		defer ioWg.Done()
		c.readGoroutine()
	}()
	go func() {
		defer ioWg.Done()
		c.writeGoroutine()
	}()

	recordConnectionOpened(c.opts.name, c.opts.side)
	defer c.teardown(&ioWg)

	// Close до запуска: ни OnConnected, ни OnDisconnected не вызываются
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		close(c.ready)
		return
	}
	c.established.Store(true)
	c.logger.Debug2("Connection %s state %s", c.id, StateConnected)
	if h := c.getHandlers(); h.OnConnected != nil {
		c.logger.Debug2("Connection %s calling OnConnected", c.id)
		h.OnConnected(c.ctx, c)
	}
	close(c.ready)

	var timer *time.Timer
	var idleC <-chan time.Time
	if d, ok := c.idle.nextWake(time.Now()); ok {
		timer = time.NewTimer(d)
		defer timer.Stop()
		idleC = timer.C
	}
	c.runLoop(idleC, timer)
}

func (c *Connection[T]) runLoop(idleC <-chan time.Time, timer *time.Timer) {
	for {
		if c.ctx.Err() != nil {
			return
		}

		select {
		case chunk, ok := <-c.readChan:
			if !ok {
				return
			}
			c.handleInbound(chunk)

		case err := <-c.errorChan:
			c.fireError(err)

		case now := <-idleC:
			for _, kind := range c.idle.poll(now) {
				c.fireIdle(kind)
			}
			if d, ok := c.idle.nextWake(time.Now()); ok {
				timer.Reset(d)
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleInbound добавляет байты в буфер накопления и вызывает Decode до тех пор,
// пока он извлекает полные фреймы.
func (c *Connection[T]) handleInbound(chunk []byte) {
	_, _ = c.inbound.Write(chunk)
	c.logger.Debug3("Connection %s inbound %s", c.id, &c.inbound)

	for c.inbound.Len() > 0 {
		before := c.inbound.Len()
		msgs, err := c.codec.Decode(c, &c.inbound)
		for _, msg := range msgs {
			if c.ctx.Err() != nil {
				return
			}
			c.fireMessage(msg)
		}
		if err == nil {
			return
		}

		if isRecoverableFrameError(err) {
			if c.inbound.Len() < before {
				recordFrameDropped(c.opts.name, c.opts.side)
				c.logger.Warn("Connection %s %v", c.id, err)
				c.fireError(err)
				continue
			}
			err = &FrameError{Err: errors.Wrap(err, "decoder made no progress")}
		}

		var fe *FrameError
		if !errors.As(err, &fe) {
			err = &FrameError{Err: err}
		}
		recordFrameError(c.opts.name, c.opts.side)
		c.logger.Error("Connection %s closing on decode error: %v", c.id, err)
		c.fireError(err)
		c.inbound.Clear()
		_ = c.Close(true)
		return
	}
}

func (c *Connection[T]) fireMessage(msg T) {
	if h := c.getHandlers(); h.OnMessage != nil {
		h.OnMessage(c.ctx, c, msg)
	}
}

func (c *Connection[T]) fireError(err error) {
	c.logger.Debug1("Connection %s error: %v", c.id, err)
	if h := c.getHandlers(); h.OnError != nil {
		h.OnError(c, err)
	}
}

func (c *Connection[T]) fireIdle(kind IdleKind) {
	if c.State() != StateConnected {
		return
	}
	c.logger.Debug2("Connection %s %s idle", c.id, kind)
	h := c.getHandlers()
	var fn func(context.Context, *Connection[T])
	switch kind {
	case IdleRead:
		fn = h.OnReadIdle
	case IdleWrite:
		fn = h.OnWriteIdle
	case IdleAll:
		fn = h.OnAllIdle
	}
	if fn != nil {
		fn(c.ctx, c)
	}
}

// teardown завершает соединение: останавливает горутины, закрывает сокет,
// доставляет оставшиеся ошибки и ровно один раз вызывает OnDisconnected.
func (c *Connection[T]) teardown(ioWg *sync.WaitGroup) {
	c.setState(StateClosing)

	// Отменяем контекст, чтобы readGoroutine и новые Write завершились
	c.cancel()
	c.shutWrites()

	// Будим чтение; запись получает время досылки очереди
	_ = c.conn.SetReadDeadline(time.Now())
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeDrainTimeout))

	ioWg.Wait()
	_ = c.conn.Close()
	c.inbound.Clear()

	for drained := false; !drained; {
		select {
		case err := <-c.errorChan:
			c.fireError(err)
		default:
			drained = true
		}
	}

	c.setState(StateClosed)
	recordConnectionClosed(c.opts.name, c.opts.side)

	if h := c.getHandlers(); h.OnDisconnected != nil && c.established.Load() {
		c.logger.Debug2("Connection %s calling OnDisconnected", c.id)
		h.OnDisconnected(c)
	}

	// Cleanup функция вызывается последней
	if c.cleanupFunc != nil {
		c.cleanupFunc()
	}

	c.logger.Debug1("Connection %s event loop closed %s", c.id, c.RemoteAddr())
}

// shutWrites закрывает writeChan. После этого enqueue возвращает ErrConnectionClosed.
func (c *Connection[T]) shutWrites() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.writeShut = true
		close(c.writeChan)
		c.writeMu.Unlock()
	})
}

func (c *Connection[T]) enqueue(ctx context.Context, req writeRequest[T]) error {
	c.writeMu.RLock()
	defer c.writeMu.RUnlock()

	if c.writeShut {
		return ErrConnectionClosed
	}
	select {
	case c.writeChan <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Write ставит сообщение в очередь записи и не ждёт его отправки.
// Блокируется, только если очередь заполнена.
//
// Возвращает ErrConnectionClosed, если соединение закрыто или закрывается,
// либо ошибку ctx, если контекст отменён раньше, чем нашлось место в очереди.
func (c *Connection[T]) Write(ctx context.Context, msg T) error {
	_, err := c.submit(ctx, msg, false)
	return err
}

// submit ставит сообщение в очередь. При flush возвращает канал, в который
// горутина записи передаст результат; ответ приходит всегда, в том числе
// после закрытия соединения.
func (c *Connection[T]) submit(ctx context.Context, msg T, flush bool) (<-chan error, error) {
	req := writeRequest[T]{msg: msg}
	if flush {
		req.done = make(chan error, 1)
	}
	if err := c.enqueue(ctx, req); err != nil {
		return nil, err
	}
	return req.done, nil
}

func awaitFlush(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteAndFlush ставит сообщение в очередь и ждёт, пока оно будет записано в сокет.
//
// Возвращает:
//   - nil: сообщение закодировано и записано (или Encode вернул nil)
//   - *FlushError: запись в сокет не удалась
//   - ошибку Encode, ErrConnectionClosed или ошибку ctx
func (c *Connection[T]) WriteAndFlush(ctx context.Context, msg T) error {
	done, err := c.submit(ctx, msg, true)
	if err != nil {
		return err
	}
	return awaitFlush(ctx, done)
}

// Close закрывает соединение и освобождает все связанные ресурсы.
// Метод может быть вызван многократно безопасно (идемпотентен).
//
// Параметры:
//   - force: если true, немедленно закрывает сокет, прерывая все операции чтения/записи;
//     если false, будит операции чтения и позволяет досылать уже поставленные в очередь сообщения
//
// Close не ждёт завершения; для ожидания используйте Done.
func (c *Connection[T]) Close(force bool) error {
	for {
		s := c.state.Load()
		if ConnState(s) >= StateClosing || c.state.CompareAndSwap(s, int32(StateClosing)) {
			break
		}
	}
	c.cancel()
	c.shutWrites()

	if force {
		err := c.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
	err := c.conn.SetReadDeadline(time.Now())
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done возвращает канал, который закрывается после OnDisconnected и очистки.
func (c *Connection[T]) Done() <-chan struct{} {
	return c.done
}

// ID возвращает уникальный идентификатор соединения.
func (c *Connection[T]) ID() ConnID {
	return c.id
}

// SessionID возвращает идентификатор сессии, назначенный сервером, или пустую строку.
func (c *Connection[T]) SessionID() SessionID {
	if p := c.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

// attachSessionID назначает идентификатор сессии, только если он ещё не назначен.
// Возвращает действующий идентификатор.
func (c *Connection[T]) attachSessionID(id SessionID) SessionID {
	if c.sessionID.CompareAndSwap(nil, &id) {
		return id
	}
	return *c.sessionID.Load()
}

// State возвращает текущее состояние соединения.
func (c *Connection[T]) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection[T]) setState(s ConnState) {
	c.state.Store(int32(s))
	c.logger.Debug2("Connection %s state %s", c.id, s)
}

// IsActive возвращает true, пока соединение в состоянии Connected.
func (c *Connection[T]) IsActive() bool {
	return c.State() == StateConnected
}

// RemoteAddr возвращает удаленный адрес соединения.
func (c *Connection[T]) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr возвращает локальный адрес соединения.
func (c *Connection[T]) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// SetHandlers заменяет текущие обработчики событий новыми.
// Этот метод потокобезопасен и может быть вызван во время работы соединения.
func (c *Connection[T]) SetHandlers(handlers Handlers[T]) {
	c.handlers.Store(handlers)
}

func (c *Connection[T]) getHandlers() Handlers[T] {
	return c.handlers.Load().(Handlers[T])
}

// SetUserData устанавливает пользовательские данные для соединения.
func (c *Connection[T]) SetUserData(data interface{}) {
	c.userData.Store(&data)
}

// GetUserData получает пользовательские данные соединения.
// Возвращает nil, если данные не были установлены.
func (c *Connection[T]) GetUserData() interface{} {
	if p, ok := c.userData.Load().(*interface{}); ok {
		return *p
	}
	return nil
}
