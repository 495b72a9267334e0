package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/rlsocket/pkg/rlsocket"
)

// chatReply формирует ответ сервера на реплику клиента.
func chatReply(msg string) string {
	return fmt.Sprintf("你向我说了【%s】，收到！", msg)
}

// newChatServer создает сервер, отвечающий на каждое сообщение подтверждением.
// Соединения, молчащие дольше AllIdle, закрываются.
func newChatServer(cfg demoConfig, zl zerolog.Logger, logger rlsocket.Logger) (*rlsocket.Server[string], error) {
	var server *rlsocket.Server[string]
	server, err := rlsocket.NewServer(cfg.serverConfig(logger), rlsocket.NewTextCodec(), rlsocket.Handlers[string]{
		OnConnected: func(ctx context.Context, c *rlsocket.Connection[string]) {
			zl.Info().Str("session", string(c.SessionID())).Str("remote", c.RemoteAddr().String()).Msg("client joined")
		},
		OnMessage: func(ctx context.Context, c *rlsocket.Connection[string], msg string) {
			zl.Info().Str("session", string(c.SessionID())).Str("msg", msg).Msg("message received")
			if _, err := server.SendMessage(ctx, c.SessionID(), chatReply(msg), false); err != nil {
				zl.Warn().Err(err).Str("session", string(c.SessionID())).Msg("reply failed")
			}
		},
		OnError: func(c *rlsocket.Connection[string], err error) {
			zl.Warn().Err(err).Str("session", string(c.SessionID())).Msg("connection error")
		},
		OnAllIdle: func(ctx context.Context, c *rlsocket.Connection[string]) {
			zl.Info().Str("session", string(c.SessionID())).Msg("idle too long, closing")
			_ = c.Close(false)
		},
		OnDisconnected: func(c *rlsocket.Connection[string]) {
			zl.Info().Str("session", string(c.SessionID())).Msg("client left")
		},
	})
	if err != nil {
		return nil, err
	}
	server.SetGracefulTimeout(cfg.shutdownTimeout())
	return server, nil
}

// newChatClient создает клиент, печатающий ответы сервера в out.
func newChatClient(cfg demoConfig, zl zerolog.Logger, logger rlsocket.Logger, out io.Writer) (*rlsocket.Client[string], error) {
	client, err := rlsocket.NewClient(cfg.clientConfig(logger), rlsocket.NewTextCodec(), rlsocket.Handlers[string]{
		OnConnected: func(ctx context.Context, c *rlsocket.Connection[string]) {
			zl.Info().Str("conn", string(c.ID())).Str("remote", c.RemoteAddr().String()).Msg("connected")
		},
		OnMessage: func(ctx context.Context, c *rlsocket.Connection[string], msg string) {
			fmt.Fprintf(out, "[%s] %s\n", c.ID(), msg)
		},
		OnError: func(c *rlsocket.Connection[string], err error) {
			zl.Warn().Err(err).Str("conn", string(c.ID())).Msg("connection error")
		},
		OnDisconnected: func(c *rlsocket.Connection[string]) {
			zl.Info().Str("conn", string(c.ID())).Msg("disconnected")
		},
	})
	if err != nil {
		return nil, err
	}
	client.SetGracefulTimeout(cfg.shutdownTimeout())
	return client, nil
}

// runChat отправляет каждую непустую строку из in через следующее соединение пула
// и ждёт её записи в сокет. Возвращается при EOF или отмене ctx.
func runChat(ctx context.Context, client *rlsocket.Client[string], in io.Reader, zl zerolog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			id, sent, err := client.SendNext(ctx, line, true)
			if err != nil {
				return err
			}
			if !sent {
				zl.Warn().Str("conn", string(id)).Msg("message was not flushed")
			}
		}
	}
}
