package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to release a producer (e.g. a capture stream) whose output is no
// longer needed.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
