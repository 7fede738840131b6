package ui

import (
	"sync"
	"time"
)

// speedSampleInterval is the minimum gap between throughput samples.
const speedSampleInterval = 500 * time.Millisecond

// etaSmoothingFactor blends new ETA estimates with the previous one so
// batch-to-batch variance does not make the display jump.
const etaSmoothingFactor = 0.3

// ProgressTracker keeps the progress state shared between the renderer
// goroutine and the operation. Safe for concurrent use.
type ProgressTracker struct {
	mu          sync.RWMutex
	stage       Stage
	current     int
	total       int
	currentFile string
	startTime   time.Time
	stageStart  time.Time
	errors      []ErrorEvent
	warnings    []ErrorEvent

	lastETA time.Duration

	lastCurrent   int
	lastSpeedCalc time.Time
	currentSpeed  float64
	avgSpeed      float64
	peakSpeed     float64
	speedSamples  int
	sparkline     *Sparkline
}

// SpeedStats is a throughput snapshot in items per second.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// ProgressStats is a snapshot of the tracker state.
type ProgressStats struct {
	Stage       Stage
	Current     int
	Total       int
	Progress    float64
	ETA         time.Duration
	CurrentFile string
	ErrorCount  int
	WarnCount   int
	Speed       SpeedStats
}

// NewProgressTracker creates a tracker starting in the scanning stage.
func NewProgressTracker() *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		stage:         StageScanning,
		startTime:     now,
		stageStart:    now,
		lastSpeedCalc: now,
		sparkline:     NewSparkline(60),
	}
}

// SetStage transitions to a new stage and resets per-stage state.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stage = stage
	p.total = total
	p.current = 0
	p.currentFile = ""
	p.stageStart = time.Now()
	p.lastETA = 0

	p.lastCurrent = 0
	p.lastSpeedCalc = time.Now()
	p.currentSpeed = 0
	p.avgSpeed = 0
	p.peakSpeed = 0
	p.speedSamples = 0
	p.sparkline.Clear()
}

// Update advances progress within the current stage.
func (p *ProgressTracker) Update(current int, file string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = current
	if file != "" {
		p.currentFile = file
	}

	now := time.Now()
	elapsed := now.Sub(p.lastSpeedCalc)
	if elapsed < speedSampleInterval {
		return
	}
	if delta := current - p.lastCurrent; delta > 0 {
		speed := float64(delta) / elapsed.Seconds()
		p.currentSpeed = speed

		p.speedSamples++
		if p.speedSamples == 1 {
			p.avgSpeed = speed
		} else {
			p.avgSpeed = 0.2*speed + 0.8*p.avgSpeed
		}
		if speed > p.peakSpeed {
			p.peakSpeed = speed
		}
		p.sparkline.Add(speed)
	}
	p.lastCurrent = current
	p.lastSpeedCalc = now
}

// AddError records an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.IsWarn {
		p.warnings = append(p.warnings, event)
		return
	}
	p.errors = append(p.errors, event)
}

// Elapsed returns the time since the tracker was created.
func (p *ProgressTracker) Elapsed() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.startTime)
}

// Stats returns a snapshot. Takes the write lock because the ETA
// calculation updates its smoothing state.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	progress := 0.0
	if p.total > 0 {
		progress = float64(p.current) / float64(p.total)
		if progress > 1.0 {
			progress = 1.0
		}
	}

	return ProgressStats{
		Stage:       p.stage,
		Current:     p.current,
		Total:       p.total,
		Progress:    progress,
		ETA:         p.calculateETA(),
		CurrentFile: p.currentFile,
		ErrorCount:  len(p.errors),
		WarnCount:   len(p.warnings),
		Speed: SpeedStats{
			Current: p.currentSpeed,
			Avg:     p.avgSpeed,
			Peak:    p.peakSpeed,
		},
	}
}

// calculateETA estimates remaining time with exponential smoothing.
// Caller holds the lock.
func (p *ProgressTracker) calculateETA() time.Duration {
	if p.current == 0 || p.total == 0 {
		return 0
	}

	elapsed := time.Since(p.stageStart)
	progress := float64(p.current) / float64(p.total)
	if progress <= 0 || progress >= 1.0 {
		return 0
	}

	raw := time.Duration(float64(elapsed)/progress) - elapsed
	if raw < 0 {
		return 0
	}
	if p.lastETA == 0 {
		p.lastETA = raw
		return raw
	}

	smoothed := time.Duration(etaSmoothingFactor*float64(raw) + (1-etaSmoothingFactor)*float64(p.lastETA))
	p.lastETA = smoothed
	return smoothed
}

// Errors returns a copy of the recorded errors.
func (p *ProgressTracker) Errors() []ErrorEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ErrorEvent, len(p.errors))
	copy(out, p.errors)
	return out
}

// Warnings returns a copy of the recorded warnings.
func (p *ProgressTracker) Warnings() []ErrorEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ErrorEvent, len(p.warnings))
	copy(out, p.warnings)
	return out
}

// RenderSparkline renders the throughput sparkline at the given width.
func (p *ProgressTracker) RenderSparkline(width int) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sparkline.RenderWidth(width)
}

// SpeedStats returns the current throughput snapshot.
func (p *ProgressTracker) SpeedStats() SpeedStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return SpeedStats{Current: p.currentSpeed, Avg: p.avgSpeed, Peak: p.peakSpeed}
}
