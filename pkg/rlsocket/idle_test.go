package rlsocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleTrackerFiresAfterPeriod(t *testing.T) {
	start := time.Unix(1000, 0)
	tr := newIdleTracker(IdleConfig{ReadIdle: time.Second, WriteIdle: 2 * time.Second, AllIdle: 3 * time.Second}, start)

	d, ok := tr.nextWake(start)
	require.True(t, ok)
	assert.Equal(t, time.Second, d)

	assert.Empty(t, tr.poll(start.Add(500*time.Millisecond)))
	assert.Equal(t, []IdleKind{IdleRead}, tr.poll(start.Add(time.Second)))

	// После срабатывания следующее событие чтения - через полный период
	d, _ = tr.nextWake(start.Add(time.Second))
	assert.Equal(t, time.Second, d)

	assert.Equal(t, []IdleKind{IdleRead, IdleWrite}, tr.poll(start.Add(2*time.Second)))
	assert.Equal(t, []IdleKind{IdleRead, IdleAll}, tr.poll(start.Add(3*time.Second)))
}

func TestIdleTrackerActivityPostponesEvent(t *testing.T) {
	start := time.Unix(1000, 0)
	tr := newIdleTracker(IdleConfig{ReadIdle: time.Second, WriteIdle: time.Hour, AllIdle: time.Second}, start)

	tr.touchRead(start.Add(600 * time.Millisecond))

	// Чтение было 400ms назад: событие переносится на остаток периода
	assert.Empty(t, tr.poll(start.Add(time.Second)))
	d, ok := tr.nextWake(start.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, 600*time.Millisecond, d)

	assert.ElementsMatch(t, []IdleKind{IdleRead, IdleAll}, tr.poll(start.Add(1600*time.Millisecond)))
}

func TestIdleTrackerWriteKeepsAllIdleAway(t *testing.T) {
	start := time.Unix(1000, 0)
	tr := newIdleTracker(IdleConfig{ReadIdle: time.Second, WriteIdle: time.Hour, AllIdle: time.Second}, start)

	tr.touchWrite(start.Add(900 * time.Millisecond))
	assert.Equal(t, []IdleKind{IdleRead}, tr.poll(start.Add(time.Second)))
}

func TestIdleTrackerDisabled(t *testing.T) {
	tr := newIdleTracker(IdleConfig{}, time.Now())
	_, ok := tr.nextWake(time.Now())
	assert.False(t, ok)
	assert.Empty(t, tr.poll(time.Now().Add(time.Hour)))
}

func TestIdleConfigDefaults(t *testing.T) {
	cfg := IdleConfig{ReadIdle: -1, WriteIdle: 5 * time.Second}
	cfg.applyDefaults()
	assert.Equal(t, DefaultIdleTimeout, cfg.ReadIdle)
	assert.Equal(t, 5*time.Second, cfg.WriteIdle)
	assert.Equal(t, DefaultIdleTimeout, cfg.AllIdle)
}
