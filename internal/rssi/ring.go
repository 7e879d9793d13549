package rssi

// Ring is a fixed-capacity circular buffer of signal values used for
// history displays.
type Ring struct {
	buf   []float64
	pos   int
	count int
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]float64, capacity)}
}

// Push adds a value, overwriting the oldest once full.
func (r *Ring) Push(val float64) {
	r.buf[r.pos] = val
	r.pos = (r.pos + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Values returns the stored values in chronological order.
func (r *Ring) Values() []float64 {
	if r.count == 0 {
		return nil
	}
	out := make([]float64, r.count)
	if r.count < len(r.buf) {
		copy(out, r.buf[:r.count])
		return out
	}
	n := copy(out, r.buf[r.pos:])
	copy(out[n:], r.buf[:r.pos])
	return out
}

// Last returns the most recent value, or 0 if empty.
func (r *Ring) Last() float64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[(r.pos-1+len(r.buf))%len(r.buf)]
}

// Len returns the number of stored values.
func (r *Ring) Len() int {
	return r.count
}

// Clear drops all values.
func (r *Ring) Clear() {
	r.pos, r.count = 0, 0
}
