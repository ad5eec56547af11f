package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Transports use it to release a capture device whose audio they cannot
// encode.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
