package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameTimeAveragesAfterFullWindow(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, 0.0, m.FrameTime())

	for i := uint8(0); i < AVG_COUNT; i++ {
		m.Update(16.0)
	}
	assert.InDelta(t, 16.0, m.FrameTime(), 0.001)
}

func TestFPSCountsFramesPerSecond(t *testing.T) {
	m := NewMetrics()
	// 120 frames at 10ms each crosses the one-second mark after 100 frames.
	for i := 0; i < 120; i++ {
		m.Update(10.0)
	}
	assert.InDelta(t, 100.0, m.FPS(), 1.0)
}

func TestSessionIDFormat(t *testing.T) {
	id := NewSessionID(7)
	assert.Regexp(t, `^7-[0-9a-f]{8}$`, id.String())
	assert.NotEqual(t, NewSessionID(7), NewSessionID(7))
}
