package rlsocket

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Server представляет TCP сервер с поддержкой generic протоколов.
// Параметр типа T определяет тип сообщений, используемых в Codec.
//
// Каждое принятое соединение проходит проверку общего лимита MaxConnections и
// лимита на удалённый адрес MaxConnectionsPerOrigin, после чего регистрируется
// как сессия и получает SessionID. Отклонённые соединения закрываются без вызова обработчиков.
//
// Startup и Shutdown взаимно исключают друг друга и операции отправки.
type Server[T any] struct {
	// Конфигурация
	config   ServerConfig
	codec    Codec[T]
	handlers Handlers[T]

	// Состояние сервера
	lifeMu          sync.RWMutex
	started         atomic.Bool // изменяется только под lifeMu
	listener        net.Listener
	addr            atomic.Value // string
	ctx             context.Context
	cancel          context.CancelFunc
	stopCh          chan struct{}
	gracefulTimeout atomic.Int64 // time.Duration

	// Управление соединениями
	sessions  *SessionRegistry[*Connection[T]]
	acceptWg  sync.WaitGroup // для ожидания завершения acceptLoop
	connWg    sync.WaitGroup // для ожидания завершения всех соединений
	connCount atomic.Int64
	rejected  atomic.Int64

	logger *levelLogger
}

// NewServer создает новый TCP сервер.
//
// Параметры:
//   - config: конфигурация сервера; Name и Address обязательны
//   - codec: кодек протокола
//   - handlers: обработчики событий, общие для всех соединений
//
// Возвращает:
//   - Новый экземпляр сервера
//   - *ConfigError, если конфигурация некорректна или codec == nil
//
// Пример:
//
//	cfg := rlsocket.DefaultServerConfig("chat", ":9999")
//	cfg.MaxConnectionsPerOrigin = 10
//	server, err := rlsocket.NewServer(cfg, rlsocket.NewTextCodec(), rlsocket.Handlers[string]{
//	    OnMessage: func(ctx context.Context, c *rlsocket.Connection[string], msg string) {
//	        _ = c.Write(ctx, "echo: "+msg)
//	    },
//	})
func NewServer[T any](config ServerConfig, codec Codec[T], handlers Handlers[T]) (*Server[T], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, &ConfigError{Field: "codec", Reason: "must not be nil"}
	}
	config.applyDefaults()

	return &Server[T]{
		config:   config,
		codec:    codec,
		handlers: handlers,
		sessions: NewSessionRegistry[*Connection[T]](config.MaxConnectionsPerOrigin),
		logger:   newLevelLogger(config.Logger, config.LogLevel),
	}, nil
}

// SetGracefulTimeout устанавливает таймаут для graceful shutdown.
//
// Параметры:
//   - timeout: время ожидания graceful shutdown
//   - > 0: при остановке соединения закрываются мягко (досылая очередь записи), сервер ждёт их не дольше timeout
//   - == 0: немедленное закрытие всех соединений
//
// Метод может быть вызван в любое время, в том числе до запуска сервера.
func (s *Server[T]) SetGracefulTimeout(timeout time.Duration) {
	s.gracefulTimeout.Store(int64(timeout))
}

// Startup запускает TCP сервер и начинает принимать подключения.
//
// При завершении переданного контекста сервер автоматически вызывает Shutdown.
// Повторный вызов на запущенном сервере только логгируется.
func (s *Server[T]) Startup(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.started.Load() {
		s.logger.Info("Server %s has started, not need start again", s.config.Name)
		return nil
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return errors.Wrapf(err, "server %s: failed to start listener on %s", s.config.Name, s.config.Address)
	}

	s.listener = listener
	s.addr.Store(listener.Addr().String())
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopCh = make(chan struct{})
	s.started.Store(true)

	s.logger.Info("Server %s started on %s", s.config.Name, listener.Addr())

	s.acceptWg.Add(1)
	go s.acceptLoop(listener)

	// Запускаем монитор контекста для автоматической остановки
	go s.contextMonitor(ctx, s.stopCh)

	return nil
}

// acceptLoop принимает новые подключения в отдельной горутине.
func (s *Server[T]) acceptLoop(listener net.Listener) {
	defer s.acceptWg.Done()

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Listener закрыт - выходим из цикла
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Error("Server %s accept error: %v; retrying in %v", s.config.Name, err, backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		if err := s.handleConnection(conn); err != nil {
			s.logger.Warn("Server %s: rejected connection from %s: %v", s.config.Name, conn.RemoteAddr(), err)
		}
	}
}

// contextMonitor отслеживает завершение контекста и автоматически останавливает сервер.
func (s *Server[T]) contextMonitor(ctx context.Context, stopCh <-chan struct{}) {
	select {
	case <-ctx.Done():
		s.logger.Info("Server %s context cancelled, stopping...", s.config.Name)
		_ = s.Shutdown()
	case <-stopCh:
	}
}

// handleConnection проверяет лимиты, регистрирует сессию и запускает соединение.
// Отклонённое соединение закрывается; возвращается ErrMaxConnectionsReached
// или *AdmissionError.
func (s *Server[T]) handleConnection(conn net.Conn) error {
	if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
		_ = conn.Close()
		s.reject("max_connections")
		return ErrMaxConnectionsReached
	}

	var connection *Connection[T]
	cleanupFunc := func() {
		s.sessions.Remove(connection)
		s.connCount.Add(-1)
		s.connWg.Done()
		s.logger.Debug1("Server %s: session %s closed from %s", s.config.Name, connection.SessionID(), connection.RemoteAddr())
	}
	connection = newConnection(s.ctx, conn, s.codec, s.handlers, s.connOptions(), cleanupFunc)

	sid, err := s.sessions.Admit(connection)
	if err != nil {
		connection.abort()
		s.reject("origin")
		return err
	}

	s.connWg.Add(1)
	s.connCount.Add(1)
	recordAdmitted(s.config.Name)
	s.logger.Info("Server %s: new session %s from %s", s.config.Name, sid, conn.RemoteAddr())

	connection.start()
	return nil
}

func (s *Server[T]) reject(reason string) {
	s.rejected.Add(1)
	recordRejected(s.config.Name, reason)
}

func (s *Server[T]) connOptions() connOptions {
	return connOptions{
		name:           s.config.Name,
		side:           sideServer,
		readBufferSize: s.config.ReadBufferSize,
		writeQueueSize: s.config.WriteQueueSize,
		idle:           s.config.Idle,
		logger:         s.logger,
	}
}

// Shutdown останавливает TCP сервер.
//
// Процесс остановки:
//  1. Закрывает listener (новые подключения не принимаются)
//  2. Отменяет контекст сервера: все сессии закрываются мягко, очереди записи досылаются
//  3. Ждет gracefulTimeout или пока все соединения не закроются
//  4. Принудительно закрывает все оставшиеся соединения и ждёт OnDisconnected каждого
//
// Повторный вызов на остановленном сервере только логгируется.
// Shutdown нельзя вызывать из обработчиков соединений этого сервера.
func (s *Server[T]) Shutdown() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.started.Load() {
		s.logger.Info("Server %s has not started, not need shutdown", s.config.Name)
		return nil
	}

	s.logger.Info("Stopping server %s...", s.config.Name)
	close(s.stopCh)

	var stopErr error
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("Server %s: error closing listener: %v", s.config.Name, err)
		stopErr = errors.Wrap(err, "close listener")
	}
	s.cancel()
	s.acceptWg.Wait()

	if timeout := time.Duration(s.gracefulTimeout.Load()); timeout > 0 {
		s.logger.Info("Server %s: graceful shutdown with timeout %v", s.config.Name, timeout)

		done := make(chan struct{})
		go func() {
			s.connWg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("Server %s: all connections closed gracefully", s.config.Name)
		case <-time.After(timeout):
			s.logger.Warn("Server %s: graceful shutdown timeout, forcefully closing remaining connections", s.config.Name)
		}
	}

	s.sessions.RemoveAndCloseAll(true)
	s.connWg.Wait()

	s.started.Store(false)
	s.logger.Info("Server %s stopped", s.config.Name)
	return stopErr
}

// SendMessage отправляет сообщение в сессию sid.
//
// Параметры:
//   - ctx: ограничивает ожидание места в очереди и, при wait, подтверждения записи
//   - wait: ждать ли, пока сообщение будет записано в сокет
//
// Возвращает:
//   - true, nil: сообщение поставлено в очередь (wait == false) или записано (wait == true)
//   - false, nil: запись в сокет не удалась (только при wait == true)
//   - false, ErrNotStarted / ErrNotFound / ErrConnectionClosed или ошибку ctx
func (s *Server[T]) SendMessage(ctx context.Context, sid SessionID, msg T, wait bool) (bool, error) {
	c, err := s.lookup(func() (*Connection[T], bool) {
		return s.sessions.Get(sid)
	})
	if err != nil {
		s.logger.Debug1("Server %s: send to session %s: %v", s.config.Name, sid, err)
		return false, err
	}
	return sendTo(ctx, c, msg, wait, s.logger)
}

// Send отправляет сообщение в соединение c. Удобен для ответа из обработчика.
// c должно быть сессией этого сервера, иначе возвращается ErrNotFound.
// Результат такой же, как у SendMessage.
func (s *Server[T]) Send(ctx context.Context, c *Connection[T], msg T, wait bool) (bool, error) {
	conn, err := s.lookup(func() (*Connection[T], bool) {
		if c == nil {
			return nil, false
		}
		_, ok := s.sessions.Resolve(c)
		return c, ok
	})
	if err != nil {
		return false, err
	}
	return sendTo(ctx, conn, msg, wait, s.logger)
}

// lookup находит соединение под lifeMu. Блокировка не удерживается на время
// отправки: получатель, переставший читать, не должен задерживать Shutdown.
func (s *Server[T]) lookup(find func() (*Connection[T], bool)) (*Connection[T], error) {
	if !s.lifeMu.TryRLock() {
		return nil, ErrNotStarted
	}
	defer s.lifeMu.RUnlock()

	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	c, ok := find()
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Disconnect закрывает сессию sid. Неизвестная или уже закрытая сессия игнорируется.
// Метод не ждёт закрытия сокета; OnDisconnected будет вызван асинхронно.
func (s *Server[T]) Disconnect(sid SessionID) error {
	if !s.lifeMu.TryRLock() {
		return ErrNotStarted
	}
	defer s.lifeMu.RUnlock()

	if !s.started.Load() {
		return ErrNotStarted
	}
	if !s.sessions.RemoveSession(sid) {
		s.logger.Debug1("Server %s: disconnect of unknown session %s", s.config.Name, sid)
	}
	return nil
}

// Sessions возвращает реестр сессий сервера.
func (s *Server[T]) Sessions() *SessionRegistry[*Connection[T]] {
	return s.sessions
}

// Addr возвращает адрес, на котором работает сервер.
func (s *Server[T]) Addr() string {
	if addr, ok := s.addr.Load().(string); ok {
		return addr
	}
	return s.config.Address
}

// ConnectionCount возвращает текущее количество активных сессий.
func (s *Server[T]) ConnectionCount() int64 {
	return s.connCount.Load()
}

// RejectedCount возвращает количество отклонённых подключений за всё время работы.
func (s *Server[T]) RejectedCount() int64 {
	return s.rejected.Load()
}

// IsStarted возвращает true, если сервер запущен.
func (s *Server[T]) IsStarted() bool {
	return s.started.Load()
}

// Name возвращает имя сервера из конфигурации.
func (s *Server[T]) Name() string {
	return s.config.Name
}

// sendTo - общая часть SendMessage клиента и сервера.
func sendTo[T any](ctx context.Context, c *Connection[T], msg T, wait bool, logger *levelLogger) (bool, error) {
	if !c.IsActive() {
		return false, ErrConnectionClosed
	}
	if !wait {
		if err := c.Write(ctx, msg); err != nil {
			return false, err
		}
		return true, nil
	}

	err := c.WriteAndFlush(ctx, msg)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrFlushFailed):
		logger.Error("Connection %s flush failed: %v", c.ID(), err)
		return false, nil
	default:
		return false, err
	}
}
