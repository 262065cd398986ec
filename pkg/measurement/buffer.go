package measurement

import "github.com/basekick-labs/pulse/pkg/metric"

// Buffer is an ordered, growable collection of points. Transforms receive the
// tick buffer and may add, remove or reorder points in place.
type Buffer struct {
	points []Point
}

// NewBuffer returns an empty buffer with room for capacity points
func NewBuffer(capacity int) *Buffer {
	return &Buffer{points: make([]Point, 0, capacity)}
}

// Push appends one point
func (b *Buffer) Push(p Point) {
	b.points = append(b.points, p)
}

// Extend appends every point of other, keeping their order
func (b *Buffer) Extend(other *Buffer) {
	if other == nil {
		return
	}
	b.points = append(b.points, other.points...)
}

// Retain keeps only the points for which keep returns true. Order is preserved.
func (b *Buffer) Retain(keep func(Point) bool) {
	n := 0
	for _, p := range b.points {
		if keep(p) {
			b.points[n] = p
			n++
		}
	}
	clear(b.points[n:])
	b.points = b.points[:n]
}

// Set replaces the point at index i
func (b *Buffer) Set(i int, p Point) {
	b.points[i] = p
}

func (b *Buffer) At(i int) Point {
	return b.points[i]
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.points)
}

// All returns the backing slice. Callers must not keep it past the tick.
func (b *Buffer) All() []Point {
	return b.points
}

// Reset empties the buffer keeping its capacity
func (b *Buffer) Reset() {
	clear(b.points)
	b.points = b.points[:0]
}

// View returns a read-only view over the buffer
func (b *Buffer) View() View {
	return View{buf: b}
}

// View is a read-only window over a buffer, handed to outputs.
type View struct {
	buf *Buffer
}

func (v View) Len() int {
	return v.buf.Len()
}

func (v View) At(i int) Point {
	return v.buf.points[i]
}

// All returns a copy of the points
func (v View) All() []Point {
	if v.buf.Len() == 0 {
		return nil
	}
	out := make([]Point, len(v.buf.points))
	copy(out, v.buf.points)
	return out
}

// Each calls fn for every point in order, stopping early when fn returns false.
func (v View) Each(fn func(Point) bool) {
	if v.buf == nil {
		return
	}
	for _, p := range v.buf.points {
		if !fn(p) {
			return
		}
	}
}

// Filter returns the points of one metric, in order
func (v View) Filter(id metric.ID) []Point {
	var out []Point
	v.Each(func(p Point) bool {
		if p.metric == id {
			out = append(out, p)
		}
		return true
	})
	return out
}

// Clone copies the viewed points into a new buffer the caller owns. Blocking
// outputs use it to keep a batch after the tick ends.
func (v View) Clone() *Buffer {
	return &Buffer{points: v.All()}
}

// Accumulator is the write-only handle a source pushes its points into.
type Accumulator struct {
	buf *Buffer
}

// NewAccumulator wraps buf
func NewAccumulator(buf *Buffer) *Accumulator {
	return &Accumulator{buf: buf}
}

// Push adds a point to the poll's buffer
func (a *Accumulator) Push(p Point) {
	a.buf.Push(p)
}
