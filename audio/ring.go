package audio

// Ring is a fixed-capacity circular store of the most recent samples.
// Writes wrap around; Read always returns samples oldest to newest.
// Not safe for concurrent use.
type Ring struct {
	data  []int16
	pos   int // next write index
	count int
}

// NewRing returns a ring holding durationMs worth of mono samples at rate.
func NewRing(rate uint32, durationMs int) *Ring {
	n := int(rate) * durationMs / 1000
	return NewRingSamples(n)
}

// NewRingSamples returns a ring with room for exactly n samples.
func NewRingSamples(n int) *Ring {
	if n < 0 {
		n = 0
	}
	return &Ring{data: make([]int16, n)}
}

func (r *Ring) Cap() int { return len(r.data) }

func (r *Ring) Len() int { return r.count }

func (r *Ring) Write(samples []int16) {
	capacity := len(r.data)
	if capacity == 0 || len(samples) == 0 {
		return
	}

	// Only the newest capacity samples can survive.
	if len(samples) >= capacity {
		copy(r.data, samples[len(samples)-capacity:])
		r.pos = 0
		r.count = capacity
		return
	}

	n := copy(r.data[r.pos:], samples)
	if n < len(samples) {
		copy(r.data, samples[n:])
	}
	r.pos = (r.pos + len(samples)) % capacity
	r.count = min(r.count+len(samples), capacity)
}

// Read returns a copy of the buffered samples in chronological order.
func (r *Ring) Read() []int16 {
	if r.count == 0 {
		return nil
	}
	out := make([]int16, r.count)
	if r.count < len(r.data) {
		copy(out, r.data[:r.count])
		return out
	}
	n := copy(out, r.data[r.pos:])
	copy(out[n:], r.data[:r.pos])
	return out
}

func (r *Ring) Clear() {
	clear(r.data)
	r.pos = 0
	r.count = 0
}
