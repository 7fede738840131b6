package ui

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reviewloop/reviewloop/internal/errors"
)

func TestProgressTracker_StageAndProgress(t *testing.T) {
	p := NewProgressTracker()

	stats := p.Stats()
	assert.Equal(t, StageScanning, stats.Stage)
	assert.Zero(t, stats.Progress)

	p.SetStage(StageEmbedding, 200)
	p.Update(50, "internal/server.go")

	stats = p.Stats()
	assert.Equal(t, StageEmbedding, stats.Stage)
	assert.Equal(t, 50, stats.Current)
	assert.Equal(t, 200, stats.Total)
	assert.InDelta(t, 0.25, stats.Progress, 1e-9)
	assert.Equal(t, "internal/server.go", stats.CurrentFile)
}

func TestProgressTracker_ProgressCapped(t *testing.T) {
	p := NewProgressTracker()
	p.SetStage(StageEmbedding, 10)
	p.Update(25, "")

	assert.InDelta(t, 1.0, p.Stats().Progress, 1e-9)
}

func TestProgressTracker_Errors(t *testing.T) {
	p := NewProgressTracker()

	p.AddError(ErrorEvent{File: "a.go", Err: errors.Newf(errors.ErrCodeInternal, "boom")})
	p.AddError(ErrorEvent{File: "b.go", Err: errors.Newf(errors.ErrCodeInternal, "soft"), IsWarn: true})

	stats := p.Stats()
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Equal(t, 1, stats.WarnCount)
	assert.Len(t, p.Errors(), 1)
	assert.Len(t, p.Warnings(), 1)
}

func TestProgressTracker_SetStageResets(t *testing.T) {
	p := NewProgressTracker()
	p.SetStage(StageEmbedding, 100)
	p.Update(60, "file.go")

	p.SetStage(StageCrawling, 50)
	stats := p.Stats()
	assert.Equal(t, 0, stats.Current)
	assert.Equal(t, 50, stats.Total)
	assert.Empty(t, stats.CurrentFile)
	assert.Zero(t, stats.Speed.Current)
}

func TestProgressTracker_ETA(t *testing.T) {
	p := NewProgressTracker()
	p.SetStage(StageEmbedding, 100)

	// No progress yet: no estimate.
	assert.Zero(t, p.Stats().ETA)

	time.Sleep(20 * time.Millisecond)
	p.Update(50, "")
	eta := p.Stats().ETA
	assert.Positive(t, eta)
	// Half done: remaining roughly equals elapsed.
	assert.Less(t, eta, time.Second)
}

func TestProgressTracker_Elapsed(t *testing.T) {
	p := NewProgressTracker()
	time.Sleep(5 * time.Millisecond)
	assert.Positive(t, p.Elapsed())
}

func TestSparkline_Render(t *testing.T) {
	s := NewSparkline(5)
	assert.Equal(t, "▁▁▁▁▁", s.Render())

	s.Add(1)
	s.Add(8)
	out := []rune(s.Render())
	assert.Len(t, out, 5)
	// The peak sample renders as the tallest bar.
	assert.Equal(t, '█', out[1])
	assert.Equal(t, ' ', out[4])
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, 8.0, s.Max())
}

func TestSparkline_WrapsAndNarrowWidth(t *testing.T) {
	s := NewSparkline(4)
	for i := 1; i <= 6; i++ {
		s.Add(float64(i))
	}

	full := []rune(s.Render())
	assert.Len(t, full, 4)
	// Newest sample is the current maximum.
	assert.Equal(t, '█', full[3])

	narrow := []rune(s.RenderWidth(2))
	assert.Len(t, narrow, 2)
	assert.Equal(t, '█', narrow[1])
}

func TestSparkline_Clear(t *testing.T) {
	s := NewSparkline(3)
	s.Add(5)
	s.Clear()
	assert.Zero(t, s.Count())
	assert.Zero(t, s.Max())
	assert.Equal(t, "▁▁▁", s.Render())
}
