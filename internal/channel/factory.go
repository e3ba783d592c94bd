//go:build !debug

package channel

// New creates the processor wake channel. Release builds buffer up to size.
func New[T any](size int) Channel[T] {
	return NewBuffered[T](size)
}
