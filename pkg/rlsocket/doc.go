// Package rlsocket предоставляет каркас для клиентов и серверов собственных бинарных
// протоколов поверх постоянных TCP соединений.
//
// Основные возможности:
//   - Generic протоколы через интерфейс Codec[T]
//   - Накопление входящих байт в FrameBuffer с Mark/Reset для незавершённых фреймов
//   - Готовый кодек с 4-байтовым big-endian префиксом длины (LengthCodec, NewTextCodec)
//   - Обработчики жизненного цикла, сообщений, ошибок и простоя (Handlers)
//   - Пул соединений клиента с выбором по кругу (ConnectionPool)
//   - Реестр сессий сервера с лимитом подключений на один адрес (SessionRegistry)
//   - Отправка с ожиданием записи в сокет (WriteAndFlush, SendMessage с wait)
//   - Метрики Prometheus и логгирование через интерфейс Logger
//
// Основные компоненты:
//
// Server - TCP сервер, регистрирующий каждое соединение как сессию
// Client - TCP клиент с пулом соединений к одному адресу
// Connection - обёртка вокруг net.Conn с упорядоченной обработкой событий
// Codec - интерфейс кодирования и декодирования сообщений
// Handlers - набор обработчиков событий соединения
// Logger - интерфейс для логгирования
//
// Пример использования:
//
//	cfg := rlsocket.DefaultServerConfig("chat", ":9999")
//	cfg.MaxConnectionsPerOrigin = 100
//
//	var server *rlsocket.Server[string]
//	server, err := rlsocket.NewServer(cfg, rlsocket.NewTextCodec(), rlsocket.Handlers[string]{
//	    OnMessage: func(ctx context.Context, c *rlsocket.Connection[string], msg string) {
//	        _, _ = server.SendMessage(ctx, c.SessionID(), "ack: "+msg, false)
//	    },
//	    OnAllIdle: func(ctx context.Context, c *rlsocket.Connection[string]) {
//	        _ = c.Close(false)
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := server.Startup(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Shutdown()
//
// Клиент:
//
//	client, err := rlsocket.NewClient(rlsocket.ClientConfig{
//	    Name:    "chat-client",
//	    Address: "127.0.0.1:9999",
//	}, rlsocket.NewTextCodec(), rlsocket.Handlers[string]{
//	    OnMessage: func(ctx context.Context, c *rlsocket.Connection[string], msg string) {
//	        log.Printf("Received: %s", msg)
//	    },
//	})
//	_ = client.Startup(ctx)
//	id, err := client.Connect(ctx)
//	ok, err := client.SendMessage(ctx, id, "ping", true)
//
// Создание кастомного протокола:
//
//	type MyCodec struct{}
//
//	func (MyCodec) Encode(c *rlsocket.Connection[MyMessage], msg MyMessage) ([]byte, error) {
//	    // Сериализация сообщения вместе с заголовком
//	}
//
//	func (MyCodec) Decode(c *rlsocket.Connection[MyMessage], in *rlsocket.FrameBuffer) ([]MyMessage, error) {
//	    // Вычитать все полные фреймы; для незавершённого вернуть курсор через in.Reset(mark)
//	}
//
// Все обработчики одного соединения вызываются последовательно из его eventLoop.
// Encode вызывается в горутине записи соединения и не должен обращаться к обработчикам.
// Обработчики не должны вызывать Shutdown или Client.Connect своего фасада.
package rlsocket
