package engine

// Sample is one (x, y, z) motion sample.
type Sample struct {
	X, Y, Z float64
}

// MotionWindow holds the most recent samples of one motion sensor. Once full,
// each push evicts the oldest sample.
type MotionWindow struct {
	samples    []Sample
	timestamps []float64
	head       int
	size       int
}

func NewMotionWindow(capacity int) *MotionWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &MotionWindow{
		samples:    make([]Sample, capacity),
		timestamps: make([]float64, capacity),
	}
}

func (w *MotionWindow) Push(s Sample, ts float64) {
	idx := (w.head + w.size) % len(w.samples)
	if w.size == len(w.samples) {
		idx = w.head
		w.head = (w.head + 1) % len(w.samples)
	} else {
		w.size++
	}
	w.samples[idx] = s
	w.timestamps[idx] = ts
}

func (w *MotionWindow) Len() int   { return w.size }
func (w *MotionWindow) Cap() int   { return len(w.samples) }
func (w *MotionWindow) Full() bool { return w.size == len(w.samples) }

// Samples returns copies of the window contents, oldest first.
func (w *MotionWindow) Samples() ([]Sample, []float64) {
	samples := make([]Sample, w.size)
	timestamps := make([]float64, w.size)
	for i := 0; i < w.size; i++ {
		idx := (w.head + i) % len(w.samples)
		samples[i] = w.samples[idx]
		timestamps[i] = w.timestamps[idx]
	}
	return samples, timestamps
}

func (w *MotionWindow) Reset() {
	w.head = 0
	w.size = 0
}
