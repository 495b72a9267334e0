package rlsocket

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/pkg/errors"
)

const (
	// HeaderLen - длина заголовка фрейма: длина тела, 4 байта big-endian.
	HeaderLen = 4

	// DefaultMaxBodyLen - максимальная длина тела фрейма по умолчанию.
	DefaultMaxBodyLen = 8 * 1024 * 1024
)

var (
	errBodyTooLarge = errors.New("frame body length exceeds limit")
	errInvalidUTF8  = errors.New("frame body is not valid UTF-8")
)

// EncodeLengthPrefixed возвращает body с 4-байтовым big-endian префиксом длины.
func EncodeLengthPrefixed(body []byte) []byte {
	out := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint32(out[:HeaderLen], uint32(len(body)))
	copy(out[HeaderLen:], body)
	return out
}

// ReadLengthPrefixed пытается вычитать из buf один полный фрейм с префиксом длины.
//
// Возвращает:
//   - body: копия тела фрейма (может быть пустой при нулевой длине)
//   - ok: false, если фрейм ещё не получен целиком; курсор buf при этом не сдвигается
//   - err: *FrameError, если длина превышает maxBody; дальнейший разбор потока невозможен
func ReadLengthPrefixed(buf *FrameBuffer, maxBody int) (body []byte, ok bool, err error) {
	if buf.Len() < HeaderLen {
		return nil, false, nil
	}
	mark := buf.Mark()
	size := binary.BigEndian.Uint32(buf.Next(HeaderLen))
	if maxBody > 0 && uint64(size) > uint64(maxBody) {
		buf.Reset(mark)
		return nil, false, &FrameError{Err: errors.Wrapf(errBodyTooLarge, "%d > %d", size, maxBody)}
	}
	if uint64(buf.Len()) < uint64(size) {
		buf.Reset(mark)
		return nil, false, nil
	}
	body = make([]byte, size)
	copy(body, buf.Next(int(size)))
	return body, true, nil
}

// LengthCodec реализует Codec для протоколов с 4-байтовым префиксом длины.
// Преобразование тела в сообщение задаётся функциями Marshal и Unmarshal.
type LengthCodec[T any] struct {
	// Marshal преобразует сообщение в тело фрейма. nil тело с nil ошибкой означает "нечего отправлять".
	Marshal func(msg T) ([]byte, error)

	// Unmarshal преобразует тело фрейма в сообщение. Ошибка отбрасывает только этот фрейм.
	Unmarshal func(body []byte) (T, error)

	// MaxBodyLen ограничивает длину тела; 0 означает DefaultMaxBodyLen.
	MaxBodyLen int
}

// Encode реализует Codec.
func (lc *LengthCodec[T]) Encode(c *Connection[T], msg T) ([]byte, error) {
	body, err := lc.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}
	if body == nil {
		return nil, nil
	}
	if len(body) > lc.maxBodyLen() {
		return nil, errors.Wrapf(errBodyTooLarge, "%d > %d", len(body), lc.maxBodyLen())
	}
	return EncodeLengthPrefixed(body), nil
}

// Decode реализует Codec. Вычитывает все полные фреймы из in.
// Если тело фрейма не удалось преобразовать, фрейм уже вычитан и возвращается
// восстановимая ошибка вместе с сообщениями, декодированными до него.
func (lc *LengthCodec[T]) Decode(c *Connection[T], in *FrameBuffer) ([]T, error) {
	var out []T
	for {
		body, ok, err := ReadLengthPrefixed(in, lc.maxBodyLen())
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		msg, err := lc.Unmarshal(body)
		if err != nil {
			return out, DropFrame(err)
		}
		out = append(out, msg)
	}
}

func (lc *LengthCodec[T]) maxBodyLen() int {
	if lc.MaxBodyLen > 0 {
		return lc.MaxBodyLen
	}
	return DefaultMaxBodyLen
}

// NewTextCodec возвращает эталонный текстовый протокол: строки UTF-8 с префиксом длины.
//
// Пример: "hi" кодируется в [0 0 0 2 'h' 'i'].
func NewTextCodec() *LengthCodec[string] {
	return &LengthCodec[string]{
		Marshal: func(msg string) ([]byte, error) {
			return []byte(msg), nil
		},
		Unmarshal: func(body []byte) (string, error) {
			if !utf8.Valid(body) {
				return "", errors.WithStack(errInvalidUTF8)
			}
			return string(body), nil
		},
	}
}
