package rlsocket

import (
	"encoding/hex"
	"fmt"
)

// FrameBuffer накапливает входящие байты соединения между вызовами Codec.Decode.
//
// Буфер хранит данные в одном срезе и явное смещение чтения. Кодек читает через
// Next/Peek, а для незавершённого фрейма возвращает курсор на сохранённую позицию
// через Mark/Reset. Невычитанные байты остаются в буфере до следующего поступления данных.
//
// FrameBuffer принадлежит одному соединению и не потокобезопасен.
type FrameBuffer struct {
	buf []byte
	off int
}

// Write добавляет байты в конец буфера. Перед добавлением уже вычитанная часть
// отбрасывается, поэтому срезы, полученные через Next/Peek, действительны только до следующего Write.
func (b *FrameBuffer) Write(p []byte) (int, error) {
	b.compact()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *FrameBuffer) compact() {
	if b.off == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}

// Len возвращает количество невычитанных байт.
func (b *FrameBuffer) Len() int {
	return len(b.buf) - b.off
}

// Mark возвращает текущую позицию курсора чтения.
func (b *FrameBuffer) Mark() int {
	return b.off
}

// Reset возвращает курсор на позицию, полученную из Mark.
// Позиция действительна только в пределах одного вызова Decode.
func (b *FrameBuffer) Reset(mark int) {
	if mark < 0 || mark > len(b.buf) {
		panic(fmt.Sprintf("rlsocket: FrameBuffer.Reset(%d) out of range [0,%d]", mark, len(b.buf)))
	}
	b.off = mark
}

// Peek возвращает следующие n байт без сдвига курсора.
// Если доступно меньше n байт, возвращает nil.
func (b *FrameBuffer) Peek(n int) []byte {
	if n < 0 || b.Len() < n {
		return nil
	}
	return b.buf[b.off : b.off+n]
}

// Next возвращает следующие n байт и сдвигает курсор.
// Если доступно меньше n байт, возвращает nil и ничего не вычитывает.
func (b *FrameBuffer) Next(n int) []byte {
	p := b.Peek(n)
	if p != nil {
		b.off += n
	}
	return p
}

// Discard пропускает до n байт и возвращает количество пропущенных.
func (b *FrameBuffer) Discard(n int) int {
	if n > b.Len() {
		n = b.Len()
	}
	if n > 0 {
		b.off += n
	}
	return n
}

// Bytes возвращает все невычитанные байты без сдвига курсора.
func (b *FrameBuffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Clear отбрасывает все данные, включая незавершённый фрейм.
func (b *FrameBuffer) Clear() {
	b.buf = b.buf[:0]
	b.off = 0
}

func (b *FrameBuffer) String() string {
	p := b.Bytes()
	switch {
	case len(p) == 0:
		return "[FrameBuffer 0]"
	case len(p) <= 32:
		return fmt.Sprintf("[FrameBuffer %d %s]", len(p), hex.EncodeToString(p))
	default:
		return fmt.Sprintf("[FrameBuffer %d %s...]", len(p), hex.EncodeToString(p[:32]))
	}
}
