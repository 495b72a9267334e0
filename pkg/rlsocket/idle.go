package rlsocket

import (
	"sync/atomic"
	"time"
)

// idleTracker отслеживает время последнего чтения и записи соединения и
// определяет, какие события простоя пора доставить.
//
// lastRead/lastWrite обновляются из горутин чтения и записи, остальные поля
// используются только из eventLoop.
type idleTracker struct {
	readIdle  time.Duration
	writeIdle time.Duration
	allIdle   time.Duration

	lastRead  atomic.Int64 // unix nano
	lastWrite atomic.Int64 // unix nano

	// Момент следующей проверки для каждого типа; нулевое значение - проверка отключена.
	nextRead  time.Time
	nextWrite time.Time
	nextAll   time.Time
}

func newIdleTracker(cfg IdleConfig, now time.Time) *idleTracker {
	t := &idleTracker{
		readIdle:  cfg.ReadIdle,
		writeIdle: cfg.WriteIdle,
		allIdle:   cfg.AllIdle,
	}
	t.lastRead.Store(now.UnixNano())
	t.lastWrite.Store(now.UnixNano())
	if t.readIdle > 0 {
		t.nextRead = now.Add(t.readIdle)
	}
	if t.writeIdle > 0 {
		t.nextWrite = now.Add(t.writeIdle)
	}
	if t.allIdle > 0 {
		t.nextAll = now.Add(t.allIdle)
	}
	return t
}

func (t *idleTracker) touchRead(now time.Time) {
	t.lastRead.Store(now.UnixNano())
}

func (t *idleTracker) touchWrite(now time.Time) {
	t.lastWrite.Store(now.UnixNano())
}

// poll возвращает сработавшие события простоя и перепланирует проверки.
//
// Как только событие сработало, следующая проверка назначается через полный
// период; если активность была, проверка переносится на остаток периода.
func (t *idleTracker) poll(now time.Time) []IdleKind {
	var fired []IdleKind
	lastRead := time.Unix(0, t.lastRead.Load())
	lastWrite := time.Unix(0, t.lastWrite.Load())
	lastIO := lastRead
	if lastWrite.After(lastIO) {
		lastIO = lastWrite
	}

	check := func(next *time.Time, period time.Duration, last time.Time, kind IdleKind) {
		if next.IsZero() || now.Before(*next) {
			return
		}
		remaining := period - now.Sub(last)
		if remaining <= 0 {
			fired = append(fired, kind)
			*next = now.Add(period)
			return
		}
		*next = now.Add(remaining)
	}

	check(&t.nextRead, t.readIdle, lastRead, IdleRead)
	check(&t.nextWrite, t.writeIdle, lastWrite, IdleWrite)
	check(&t.nextAll, t.allIdle, lastIO, IdleAll)
	return fired
}

// nextWake возвращает задержку до ближайшей проверки и false, если все проверки отключены.
func (t *idleTracker) nextWake(now time.Time) (time.Duration, bool) {
	var earliest time.Time
	for _, next := range []time.Time{t.nextRead, t.nextWrite, t.nextAll} {
		if next.IsZero() {
			continue
		}
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	d := earliest.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
