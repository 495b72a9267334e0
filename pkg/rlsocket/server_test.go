package rlsocket

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(*ServerConfig), handlers Handlers[string]) *Server[string] {
	t.Helper()
	cfg := DefaultServerConfig("test-server", "127.0.0.1:0") // :0 = случайный порт
	cfg.Logger = newTestLogger()
	cfg.LogLevel = LogLevelDebug3
	if mutate != nil {
		mutate(&cfg)
	}

	server, err := NewServer(cfg, NewTextCodec(), handlers)
	require.NoError(t, err)
	require.NoError(t, server.Startup(context.Background()))
	return server
}

func dialFrame(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, body []byte) {
	t.Helper()
	_, err := conn.Write(EncodeLengthPrefixed(body))
	require.NoError(t, err)
}

// TestServerStartupShutdown проверяет базовый запуск и остановку сервера
func TestServerStartupShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	server := newTestServer(t, nil, Handlers[string]{})
	assert.True(t, server.IsStarted())
	assert.NotEqual(t, "127.0.0.1:0", server.Addr())

	// Повторный запуск только логгируется
	require.NoError(t, server.Startup(context.Background()))

	require.NoError(t, server.Shutdown())
	assert.False(t, server.IsStarted())

	// Повторная остановка только логгируется
	require.NoError(t, server.Shutdown())
	assert.False(t, server.IsStarted())
}

func TestServerInvalidConfig(t *testing.T) {
	_, err := NewServer(ServerConfig{Address: ":9999"}, NewTextCodec(), Handlers[string]{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewServer(ServerConfig{Name: "s", Address: "9999"}, NewTextCodec(), Handlers[string]{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewServer[string](ServerConfig{Name: "s", Address: ":9999"}, nil, Handlers[string]{})
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "codec", ce.Field)
}

// TestServerConnection проверяет подключение и назначение SessionID
func TestServerConnection(t *testing.T) {
	defer leaktest.Check(t)()

	connected := make(chan SessionID, 1)
	server := newTestServer(t, nil, Handlers[string]{
		OnConnected: func(ctx context.Context, c *Connection[string]) {
			connected <- c.SessionID()
		},
	})
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	// Ждем уведомления о подключении
	select {
	case sid := <-connected:
		assert.NotEmpty(t, sid)
		assert.Equal(t, []SessionID{sid}, server.Sessions().SessionIDs())
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for connection")
	}
	assert.EqualValues(t, 1, server.ConnectionCount())
}

// TestServerOriginCapOne: два подключения с одного адреса при лимите 1 -
// одна сессия и одно отклонённое соединение.
func TestServerOriginCapOne(t *testing.T) {
	defer leaktest.Check(t)()

	var connectedCount atomic.Int32
	server := newTestServer(t, func(cfg *ServerConfig) {
		cfg.MaxConnectionsPerOrigin = 1
	}, Handlers[string]{
		OnConnected: func(ctx context.Context, c *Connection[string]) {
			connectedCount.Add(1)
		},
	})
	defer server.Shutdown()

	first := dialFrame(t, server.Addr())
	defer first.Close()
	require.Eventually(t, func() bool { return server.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	second := dialFrame(t, server.Addr())
	defer second.Close()
	require.Eventually(t, func() bool { return server.RejectedCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Отклонённое соединение закрыто сервером
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := second.Read(make([]byte, 1))
	assert.Error(t, err)

	assert.EqualValues(t, 1, server.ConnectionCount())
	assert.Equal(t, 1, server.Sessions().Len())
	assert.Equal(t, 1, server.Sessions().OriginCount("127.0.0.1"))
	assert.EqualValues(t, 1, connectedCount.Load())

	// После закрытия первой сессии адрес снова допускается
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return server.Sessions().OriginCount("127.0.0.1") == 0 }, 2*time.Second, 10*time.Millisecond)

	third := dialFrame(t, server.Addr())
	defer third.Close()
	require.Eventually(t, func() bool { return server.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, server.RejectedCount())
}

// TestServerMaxConnections проверяет общий лимит подключений
func TestServerMaxConnections(t *testing.T) {
	defer leaktest.Check(t)()

	server := newTestServer(t, func(cfg *ServerConfig) {
		cfg.MaxConnections = 2
	}, Handlers[string]{})
	defer server.Shutdown()

	conns := make([]net.Conn, 0, 3)
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for i := 0; i < 2; i++ {
		conns = append(conns, dialFrame(t, server.Addr()))
	}
	require.Eventually(t, func() bool { return server.ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	conns = append(conns, dialFrame(t, server.Addr()))
	require.Eventually(t, func() bool { return server.RejectedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 2, server.ConnectionCount())
}

// TestServerEcho проверяет ответ сервера по SessionID
func TestServerEcho(t *testing.T) {
	defer leaktest.Check(t)()

	var server *Server[string]
	server = newTestServer(t, nil, Handlers[string]{
		OnMessage: func(ctx context.Context, c *Connection[string], msg string) {
			ok, err := server.SendMessage(ctx, c.SessionID(), "ack: "+msg, false)
			assert.NoError(t, err)
			assert.True(t, ok)
		},
	})
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	writeFrame(t, conn, []byte("hello"))

	var (
		buf FrameBuffer
		got []string
	)
	codec := NewTextCodec()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	chunk := make([]byte, 64)
	for len(got) == 0 {
		n, err := conn.Read(chunk)
		require.NoError(t, err)
		_, _ = buf.Write(chunk[:n])
		msgs, err := codec.Decode(nil, &buf)
		require.NoError(t, err)
		got = append(got, msgs...)
	}
	assert.Equal(t, []string{"ack: hello"}, got)
}

func TestServerSendMessageErrors(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := DefaultServerConfig("idle-server", "127.0.0.1:0")
	server, err := NewServer(cfg, NewTextCodec(), Handlers[string]{})
	require.NoError(t, err)

	ok, err := server.SendMessage(context.Background(), "nope", "x", false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, server.Disconnect("nope"), ErrNotStarted)

	require.NoError(t, server.Startup(context.Background()))
	defer server.Shutdown()

	ok, err = server.SendMessage(context.Background(), "nope", "x", true)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotFound)

	// Disconnect неизвестной сессии - не ошибка
	assert.NoError(t, server.Disconnect("nope"))
}

// TestServerDisconnectIdempotent: двойной Disconnect даёт то же состояние, что и одиночный
func TestServerDisconnectIdempotent(t *testing.T) {
	defer leaktest.Check(t)()

	connected := make(chan SessionID, 1)
	var disconnected atomic.Int32
	server := newTestServer(t, nil, Handlers[string]{
		OnConnected: func(ctx context.Context, c *Connection[string]) {
			connected <- c.SessionID()
		},
		OnDisconnected: func(c *Connection[string]) {
			disconnected.Add(1)
		},
	})
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	var sid SessionID
	select {
	case sid = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for connection")
	}

	require.NoError(t, server.Disconnect(sid))
	require.NoError(t, server.Disconnect(sid))

	require.Eventually(t, func() bool { return disconnected.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, server.Sessions().Len())
	assert.EqualValues(t, 0, server.ConnectionCount())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)

	// OnDisconnected вызывается ровно один раз
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, disconnected.Load())
}

// TestServerCorruptFrameDropped: тело с некорректным UTF-8 отбрасывается,
// соединение остаётся открытым, следующий фрейм доставляется.
func TestServerCorruptFrameDropped(t *testing.T) {
	defer leaktest.Check(t)()

	messages := make(chan string, 4)
	errs := make(chan error, 4)
	server := newTestServer(t, nil, Handlers[string]{
		OnMessage: func(ctx context.Context, c *Connection[string], msg string) {
			messages <- msg
		},
		OnError: func(c *Connection[string], err error) {
			errs <- err
		},
	})
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	writeFrame(t, conn, []byte{0xff, 0xfe})
	writeFrame(t, conn, []byte("ok"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrFrame)
		assert.True(t, isRecoverableFrameError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for frame error")
	}
	select {
	case msg := <-messages:
		assert.Equal(t, "ok", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for message")
	}
	assert.EqualValues(t, 1, server.ConnectionCount())
}

// TestServerOversizedFrameClosesConnection: длина тела больше лимита - границам
// фреймов нельзя доверять, соединение закрывается.
func TestServerOversizedFrameClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()

	codec := NewTextCodec()
	codec.MaxBodyLen = 16

	errs := make(chan error, 4)
	disconnected := make(chan struct{})
	cfg := DefaultServerConfig("strict", "127.0.0.1:0")
	cfg.Logger = newTestLogger()
	server, err := NewServer[string](cfg, codec, Handlers[string]{
		OnError: func(c *Connection[string], err error) {
			errs <- err
		},
		OnDisconnected: func(c *Connection[string]) {
			close(disconnected)
		},
	})
	require.NoError(t, err)
	require.NoError(t, server.Startup(context.Background()))
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()
	_, err = conn.Write([]byte{0, 0, 4, 0, 'x'})
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrFrame)
		assert.False(t, isRecoverableFrameError(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for frame error")
	}
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for disconnect")
	}
}

// TestServerReadIdleRepeats проверяет, что событие простоя чтения повторяется
func TestServerReadIdleRepeats(t *testing.T) {
	defer leaktest.Check(t)()

	var readIdle atomic.Int32
	server := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Idle = IdleConfig{ReadIdle: 50 * time.Millisecond, WriteIdle: time.Hour, AllIdle: time.Hour}
	}, Handlers[string]{
		OnReadIdle: func(ctx context.Context, c *Connection[string]) {
			readIdle.Add(1)
		},
	})
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	require.Eventually(t, func() bool { return readIdle.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

// TestServerIdleCloseFromHandler: обработчик простоя закрывает соединение
func TestServerIdleCloseFromHandler(t *testing.T) {
	defer leaktest.Check(t)()

	server := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Idle = IdleConfig{ReadIdle: time.Hour, WriteIdle: time.Hour, AllIdle: 50 * time.Millisecond}
	}, Handlers[string]{
		OnAllIdle: func(ctx context.Context, c *Connection[string]) {
			_ = c.Close(false)
		},
	})
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return server.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestServerConnectionUserData проверяет пользовательские данные и смену обработчиков
func TestServerConnectionUserData(t *testing.T) {
	defer leaktest.Check(t)()

	authorized := make(chan string, 1)
	authorizedHandlers := Handlers[string]{
		OnMessage: func(ctx context.Context, c *Connection[string], msg string) {
			authorized <- c.GetUserData().(string) + ":" + msg
		},
	}

	server := newTestServer(t, nil, Handlers[string]{
		OnConnected: func(ctx context.Context, c *Connection[string]) {
			assert.Nil(t, c.GetUserData())
		},
		OnMessage: func(ctx context.Context, c *Connection[string], msg string) {
			if msg == "AUTH alice" {
				c.SetUserData("alice")
				c.SetHandlers(authorizedHandlers)
			}
		},
	})
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	writeFrame(t, conn, []byte("AUTH alice"))
	writeFrame(t, conn, []byte("hello"))

	select {
	case got := <-authorized:
		assert.Equal(t, "alice:hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for authorized message")
	}
}

// TestServerShutdownClosesSessions проверяет, что Shutdown дожидается OnDisconnected всех сессий
func TestServerShutdownClosesSessions(t *testing.T) {
	defer leaktest.Check(t)()

	var (
		mu           sync.Mutex
		disconnected []SessionID
	)
	server := newTestServer(t, nil, Handlers[string]{
		OnDisconnected: func(c *Connection[string]) {
			mu.Lock()
			disconnected = append(disconnected, c.SessionID())
			mu.Unlock()
		},
	})
	server.SetGracefulTimeout(500 * time.Millisecond)

	for i := 0; i < 3; i++ {
		conn := dialFrame(t, server.Addr())
		defer conn.Close()
	}
	require.Eventually(t, func() bool { return server.ConnectionCount() == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Shutdown())

	mu.Lock()
	assert.Len(t, disconnected, 3)
	mu.Unlock()
	assert.Equal(t, 0, server.Sessions().Len())
	assert.EqualValues(t, 0, server.ConnectionCount())
}

// TestServerContextCancellation проверяет автоматическую остановку при отмене контекста
func TestServerContextCancellation(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := DefaultServerConfig("ctx-server", "127.0.0.1:0")
	server, err := NewServer(cfg, NewTextCodec(), Handlers[string]{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Startup(ctx))

	conn := dialFrame(t, server.Addr())
	defer conn.Close()
	require.Eventually(t, func() bool { return server.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !server.IsStarted() }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, server.ConnectionCount())
}

// TestServerSendFromHandlerDuringShutdown: отправка из OnDisconnected во время
// Shutdown не блокируется и возвращает ErrNotStarted.
func TestServerSendFromHandlerDuringShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	sendErr := make(chan error, 1)
	var server *Server[string]
	server = newTestServer(t, nil, Handlers[string]{
		OnDisconnected: func(c *Connection[string]) {
			_, err := server.SendMessage(context.Background(), c.SessionID(), "bye", true)
			sendErr <- err
		},
	})

	conn := dialFrame(t, server.Addr())
	defer conn.Close()
	require.Eventually(t, func() bool { return server.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Shutdown())
	assert.ErrorIs(t, <-sendErr, ErrNotStarted)
}

// TestServerMaxConnectionsError: отклонение по общему лимиту возвращает ErrMaxConnectionsReached
func TestServerMaxConnectionsError(t *testing.T) {
	defer leaktest.Check(t)()

	server := newTestServer(t, func(cfg *ServerConfig) {
		cfg.MaxConnections = 1
	}, Handlers[string]{})
	defer server.Shutdown()

	server.connCount.Store(1)
	local, remote := net.Pipe()
	defer remote.Close()

	err := server.handleConnection(local)
	assert.ErrorIs(t, err, ErrMaxConnectionsReached)
	assert.EqualValues(t, 1, server.RejectedCount())
	server.connCount.Store(0)
}

// TestServerSendRejectsForeignConnection: Send пишет только в сессии этого сервера
func TestServerSendRejectsForeignConnection(t *testing.T) {
	defer leaktest.Check(t)()

	own := make(chan *Connection[string], 1)
	server := newTestServer(t, nil, Handlers[string]{
		OnConnected: func(ctx context.Context, c *Connection[string]) {
			own <- c
		},
	})
	defer server.Shutdown()

	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	var c *Connection[string]
	select {
	case c = <-own:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for connection")
	}
	ok, err := server.Send(context.Background(), c, "hi", true)
	require.NoError(t, err)
	assert.True(t, ok)

	foreign, remote := newPipeConnection(t, NewTextCodec(), Handlers[string]{}, newTestLogger(), nil)
	defer remote.Close()
	defer foreign.abort()

	ok, err = server.Send(context.Background(), foreign, "hi", false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err = server.Send(context.Background(), nil, "hi", false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestServerStalledPeerDoesNotBlockShutdown: получатель перестал читать, отправитель
// ждёт записи, а Disconnect и Shutdown продолжают работать.
func TestServerStalledPeerDoesNotBlockShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	connected := make(chan SessionID, 1)
	server := newTestServer(t, nil, Handlers[string]{
		OnConnected: func(ctx context.Context, c *Connection[string]) {
			connected <- c.SessionID()
		},
	})
	defer server.Shutdown()

	// Клиент никогда не читает
	conn := dialFrame(t, server.Addr())
	defer conn.Close()

	var sid SessionID
	select {
	case sid = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for connection")
	}

	big := strings.Repeat("x", 4<<20)
	sendDone := make(chan struct{})
	go func() {
		defer close(sendDone)
		for i := 0; i < 8; i++ {
			ok, err := server.SendMessage(context.Background(), sid, big, true)
			if err != nil || !ok {
				return
			}
		}
	}()
	time.Sleep(200 * time.Millisecond)

	// Ожидающий отправитель не держит блокировку жизненного цикла
	assert.NoError(t, server.Disconnect("unknown"))
	assert.True(t, server.IsStarted())

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- server.Shutdown()
	}()
	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown blocked by stalled sender")
	}

	select {
	case <-sendDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Sender was not released by Shutdown")
	}
}
