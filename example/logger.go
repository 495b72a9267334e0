package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/rlsocket/pkg/rlsocket"
)

// newLogger создает консольный zerolog логгер для приложения и библиотеки.
func newLogger(component string) (zerolog.Logger, rlsocket.Logger) {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.TimeOnly}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return zl, rlsocket.NewZerologLogger(zl)
}
