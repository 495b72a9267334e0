package rlsocket

import (
	"context"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Client представляет TCP клиент с пулом постоянных соединений к одному адресу.
// Параметр типа T определяет тип сообщений, используемых в Codec.
//
// Соединения открываются явно через Connect и выбираются по кругу через SendNext.
// Клиент никогда не переподключается сам: повторные попытки выполняет ConnectRetry
// по запросу вызывающего.
type Client[T any] struct {
	// Конфигурация
	config   ClientConfig
	codec    Codec[T]
	handlers Handlers[T]

	// Управление состоянием
	lifeMu          sync.RWMutex
	started         atomic.Bool // изменяется только под lifeMu
	ctx             context.Context
	cancel          context.CancelFunc
	stopCh          chan struct{}
	gracefulTimeout atomic.Int64 // time.Duration

	pool   *ConnectionPool[*Connection[T]]
	connWg sync.WaitGroup // для ожидания завершения всех соединений

	logger *levelLogger
}

// NewClient создает новый TCP клиент.
//
// Параметры:
//   - config: конфигурация клиента; Name и Address (host:port) обязательны
//   - codec: кодек протокола
//   - handlers: обработчики событий, общие для всех соединений пула
//
// Пример:
//
//	client, err := rlsocket.NewClient(rlsocket.ClientConfig{
//	    Name:    "chat-client",
//	    Address: "127.0.0.1:9999",
//	}, rlsocket.NewTextCodec(), rlsocket.Handlers[string]{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = client.Startup(ctx)
//	id, err := client.Connect(ctx)
//	ok, err := client.SendMessage(ctx, id, "ping", true)
func NewClient[T any](config ClientConfig, codec Codec[T], handlers Handlers[T]) (*Client[T], error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if codec == nil {
		return nil, &ConfigError{Field: "codec", Reason: "must not be nil"}
	}
	config.applyDefaults()

	return &Client[T]{
		config:   config,
		codec:    codec,
		handlers: handlers,
		pool:     NewConnectionPool[*Connection[T]](),
		logger:   newLevelLogger(config.Logger, config.LogLevel),
	}, nil
}

// SetGracefulTimeout устанавливает время, в течение которого Shutdown ждёт
// мягкого закрытия соединений перед принудительным.
func (c *Client[T]) SetGracefulTimeout(timeout time.Duration) {
	c.gracefulTimeout.Store(int64(timeout))
}

// Startup подготавливает клиент к открытию соединений.
//
// При завершении переданного контекста клиент автоматически вызывает Shutdown.
// Повторный вызов на запущенном клиенте только логгируется.
func (c *Client[T]) Startup(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.started.Load() {
		c.logger.Info("Client %s has started, not need start again", c.config.Name)
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.stopCh = make(chan struct{})
	c.started.Store(true)
	c.logger.Info("Client %s started, remote %s", c.config.Name, c.config.Address)

	go c.contextMonitor(ctx, c.stopCh)
	return nil
}

// contextMonitor отслеживает завершение контекста и автоматически останавливает клиент.
func (c *Client[T]) contextMonitor(ctx context.Context, stopCh <-chan struct{}) {
	select {
	case <-ctx.Done():
		c.logger.Info("Client %s context cancelled, stopping...", c.config.Name)
		_ = c.Shutdown()
	case <-stopCh:
	}
}

// Shutdown закрывает все соединения пула и ждёт OnDisconnected каждого.
// Повторный вызов на остановленном клиенте только логгируется.
// Shutdown нельзя вызывать из обработчиков соединений этого клиента.
func (c *Client[T]) Shutdown() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if !c.started.Load() {
		c.logger.Info("Client %s has not started, not need shutdown", c.config.Name)
		return nil
	}

	c.logger.Info("Stopping client %s...", c.config.Name)
	close(c.stopCh)

	// Отмена контекста мягко закрывает все соединения
	c.cancel()

	if timeout := time.Duration(c.gracefulTimeout.Load()); timeout > 0 {
		done := make(chan struct{})
		go func() {
			c.connWg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			c.logger.Warn("Client %s: graceful shutdown timeout, forcefully closing remaining connections", c.config.Name)
		}
	}

	for _, id := range c.pool.IDs() {
		if conn, ok := c.pool.Get(id); ok {
			_ = conn.Close(true)
		}
	}
	c.pool.RemoveAndCloseAll()
	c.connWg.Wait()

	c.started.Store(false)
	c.logger.Info("Client %s stopped", c.config.Name)
	return nil
}

// Connect открывает новое соединение и добавляет его в пул.
//
// Метод блокируется, пока соединение не установлено и OnConnected не завершился.
//
// Возвращает:
//   - ConnID: идентификатор соединения в пуле
//   - *ConnectError: адрес недоступен, истёк ConnectTimeout или отменён ctx
//   - ErrNotStarted: клиент не запущен
//
// Connect нельзя вызывать из обработчиков соединений этого клиента.
func (c *Client[T]) Connect(ctx context.Context) (ConnID, error) {
	c.lifeMu.RLock()
	defer c.lifeMu.RUnlock()

	if !c.started.Load() {
		return "", ErrNotStarted
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", c.config.Address)
	if err != nil {
		c.logger.Error("Client %s failed to connect to %s: %v", c.config.Name, c.config.Address, err)
		return "", &ConnectError{Addr: c.config.Address, Err: err}
	}

	var connection *Connection[T]
	cleanupFunc := func() {
		c.pool.RemoveAndClose(connection.ID())
		c.connWg.Done()
		c.logger.Debug1("Client %s: connection %s to %s cleaned up", c.config.Name, connection.ID(), c.config.Address)
	}
	connection = newConnection(c.ctx, conn, c.codec, c.handlers, c.connOptions(), cleanupFunc)

	c.pool.Add(connection.ID(), connection)
	c.connWg.Add(1)
	connection.start()

	select {
	case <-connection.ready:
	case <-ctx.Done():
		_ = connection.Close(true)
		return "", &ConnectError{Addr: c.config.Address, Err: ctx.Err()}
	}

	// Соединение закрыли до OnConnected (например, Disconnect по id)
	if !connection.established.Load() {
		return "", &ConnectError{Addr: c.config.Address, Err: ErrConnectionClosed}
	}

	c.logger.Debug1("Client %s: connection %s established to %s", c.config.Name, connection.ID(), c.config.Address)
	return connection.ID(), nil
}

// ConnectN открывает n соединений параллельно.
// Если хотя бы одно не удалось, уже открытые соединения закрываются и возвращается первая ошибка.
func (c *Client[T]) ConnectN(ctx context.Context, n int) ([]ConnID, error) {
	var (
		mu  sync.Mutex
		ids = make([]ConnID, 0, n)
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			id, err := c.Connect(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, id := range ids {
			_ = c.Disconnect(id)
		}
		return nil, err
	}
	return ids, nil
}

// ConnectRetry вызывает Connect до attempts раз с экспоненциальной задержкой
// ReconnectBaseDelay * 2^(attempt-1), ограниченной ReconnectMaxDelay.
// attempts <= 0 означает одну попытку.
func (c *Client[T]) ConnectRetry(ctx context.Context, attempts int) (ConnID, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		id, err := c.Connect(ctx)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, ErrNotStarted) {
			return "", err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		delay := c.calculateReconnectDelay(attempt)
		c.logger.Warn("Client %s: connect attempt %d/%d failed, retrying in %v", c.config.Name, attempt, attempts, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", &ConnectError{Addr: c.config.Address, Err: ctx.Err()}
		}
	}
	return "", errors.Wrapf(lastErr, "client %s: %d connect attempts failed", c.config.Name, attempts)
}

// calculateReconnectDelay вычисляет задержку перед повторной попыткой.
func (c *Client[T]) calculateReconnectDelay(attempt int) time.Duration {
	// Экспоненциальный backoff: baseDelay * 2^(attempt-1)
	delay := float64(c.config.ReconnectBaseDelay) * math.Pow(2, float64(attempt-1))

	// Ограничиваем максимальной задержкой
	if delay > float64(c.config.ReconnectMaxDelay) {
		delay = float64(c.config.ReconnectMaxDelay)
	}

	return time.Duration(delay)
}

func (c *Client[T]) connOptions() connOptions {
	return connOptions{
		name:           c.config.Name,
		side:           sideClient,
		readBufferSize: c.config.ReadBufferSize,
		writeQueueSize: c.config.WriteQueueSize,
		idle:           c.config.Idle,
		logger:         c.logger,
	}
}

// Disconnect удаляет соединение из пула и закрывает его, не дожидаясь закрытия сокета.
// Неизвестный id игнорируется.
func (c *Client[T]) Disconnect(id ConnID) error {
	if !c.lifeMu.TryRLock() {
		return ErrNotStarted
	}
	defer c.lifeMu.RUnlock()

	if !c.started.Load() {
		return ErrNotStarted
	}
	c.pool.RemoveAndClose(id)
	return nil
}

// SendMessage отправляет сообщение в соединение id.
//
// Возвращает:
//   - true, nil: сообщение поставлено в очередь (wait == false) или записано (wait == true)
//   - false, nil: запись в сокет не удалась (только при wait == true)
//   - false, ErrNotStarted / ErrNotFound / ErrConnectionClosed или ошибку ctx
func (c *Client[T]) SendMessage(ctx context.Context, id ConnID, msg T, wait bool) (bool, error) {
	conn, err := c.lookup(func() (ConnID, error) { return id, nil })
	if err != nil {
		c.logger.Debug1("Client %s: send to connection %s: %v", c.config.Name, id, err)
		return false, err
	}
	return sendTo(ctx, conn, msg, wait, c.logger)
}

// SendNext отправляет сообщение в следующее соединение пула по кругу.
// Возвращает идентификатор выбранного соединения.
func (c *Client[T]) SendNext(ctx context.Context, msg T, wait bool) (ConnID, bool, error) {
	var id ConnID
	conn, err := c.lookup(func() (ConnID, error) {
		var err error
		id, err = c.pool.SelectNext()
		return id, err
	})
	if err != nil {
		return id, false, err
	}
	sent, err := sendTo(ctx, conn, msg, wait, c.logger)
	return id, sent, err
}

// lookup выбирает соединение пула под lifeMu. Блокировка не удерживается на
// время отправки, чтобы медленный получатель не задерживал Shutdown.
func (c *Client[T]) lookup(pick func() (ConnID, error)) (*Connection[T], error) {
	if !c.lifeMu.TryRLock() {
		return nil, ErrNotStarted
	}
	defer c.lifeMu.RUnlock()

	if !c.started.Load() {
		return nil, ErrNotStarted
	}
	id, err := pick()
	if err != nil {
		return nil, err
	}
	conn, ok := c.pool.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return conn, nil
}

// Pool возвращает пул соединений клиента.
func (c *Client[T]) Pool() *ConnectionPool[*Connection[T]] {
	return c.pool
}

// IsStarted возвращает true, если клиент запущен.
func (c *Client[T]) IsStarted() bool {
	return c.started.Load()
}

// Name возвращает имя клиента из конфигурации.
func (c *Client[T]) Name() string {
	return c.config.Name
}
