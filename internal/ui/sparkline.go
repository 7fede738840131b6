package ui

import "strings"

// sparklineChars are the eight block heights, lowest to highest.
var sparklineChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline is a ring buffer of throughput samples rendered as Unicode
// block characters.
type Sparkline struct {
	samples []float64
	width   int
	head    int
	count   int
	max     float64
}

// NewSparkline creates a sparkline holding width samples.
func NewSparkline(width int) *Sparkline {
	if width <= 0 {
		width = 60
	}
	return &Sparkline{samples: make([]float64, width), width: width}
}

// Add appends a sample, evicting the oldest when full.
func (s *Sparkline) Add(value float64) {
	s.samples[s.head] = value
	s.head = (s.head + 1) % s.width
	s.count++

	if value > s.max {
		s.max = value
	}
	// Old peaks eventually fall out of the buffer.
	if s.count%s.width == 0 {
		s.recalculateMax()
	}
}

func (s *Sparkline) recalculateMax() {
	s.max = 0
	for _, v := range s.samples {
		if v > s.max {
			s.max = v
		}
	}
	if s.max < 1 {
		s.max = 1
	}
}

// Render draws the sparkline at its native width.
func (s *Sparkline) Render() string {
	return s.RenderWidth(s.width)
}

// RenderWidth draws the most recent samples into width characters,
// padding with spaces while the buffer is filling.
func (s *Sparkline) RenderWidth(width int) string {
	if width <= 0 || width > s.width {
		width = s.width
	}
	if s.count == 0 {
		return strings.Repeat(string(sparklineChars[0]), width)
	}
	if s.max <= 0 {
		s.recalculateMax()
	}

	filled := min(s.count, s.width)
	start := 0
	if s.count >= s.width {
		start = s.head
	}
	// Oldest sample still shown when the window is narrower than the
	// buffer.
	skip := 0
	if filled > width {
		skip = filled - width
	}

	var sb strings.Builder
	sb.Grow(width * 3)
	rendered := 0
	for i := skip; i < s.width && rendered < width; i++ {
		if i >= filled && s.count < s.width {
			break
		}
		value := s.samples[(start+i)%s.width]
		idx := int(value / s.max * float64(len(sparklineChars)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparklineChars) {
			idx = len(sparklineChars) - 1
		}
		sb.WriteRune(sparklineChars[idx])
		rendered++
	}
	for rendered < width {
		sb.WriteRune(' ')
		rendered++
	}
	return sb.String()
}

// Clear resets the buffer.
func (s *Sparkline) Clear() {
	for i := range s.samples {
		s.samples[i] = 0
	}
	s.head = 0
	s.count = 0
	s.max = 0
}

// Count returns the number of samples added.
func (s *Sparkline) Count() int { return s.count }

// Max returns the highest sample in the buffer.
func (s *Sparkline) Max() float64 { return s.max }
