package analyzer

// MotionGate suppresses single-frame flicker. It keeps the last Window
// per-frame results in a ring and opens once at least MinFrames of them saw
// motion.
type MotionGate struct {
	window []bool
	next   int
	min    int
}

// NewMotionGate creates a gate. window is clamped to at least 1 and min to
// the range [1, window].
func NewMotionGate(window, min int) *MotionGate {
	if window < 1 {
		window = 1
	}
	if min < 1 {
		min = 1
	}
	if min > window {
		min = window
	}
	return &MotionGate{window: make([]bool, window), min: min}
}

// Observe records one frame's result and reports whether the gate is open.
func (g *MotionGate) Observe(motion bool) bool {
	g.window[g.next] = motion
	g.next = (g.next + 1) % len(g.window)
	return g.Count() >= g.min
}

// Count returns how many frames in the window saw motion.
func (g *MotionGate) Count() int {
	n := 0
	for _, m := range g.window {
		if m {
			n++
		}
	}
	return n
}

// Reset clears the window.
func (g *MotionGate) Reset() {
	for i := range g.window {
		g.window[i] = false
	}
	g.next = 0
}
