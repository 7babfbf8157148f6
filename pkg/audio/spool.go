package audio

import "sync"

// Spool is a FIFO of samples shared between a producer that appends whole
// buffers and a device callback that drains fixed-size periods. The zero
// value is ready to use and safe for concurrent use.
type Spool struct {
	mu      sync.Mutex
	samples []float32
}

// Write appends samples to the tail of the spool.
func (s *Spool) Write(samples []float32) {
	s.mu.Lock()
	s.samples = append(s.samples, samples...)
	s.mu.Unlock()
}

// Read fills dst from the head of the spool and zero-fills whatever the spool
// could not supply. It returns the number of real samples copied.
func (s *Spool) Read(dst []float32) int {
	s.mu.Lock()
	n := copy(dst, s.samples)
	s.samples = s.samples[n:]
	if len(s.samples) == 0 {
		s.samples = nil
	}
	s.mu.Unlock()

	clear(dst[n:])
	return n
}

// Reset discards all pending samples.
func (s *Spool) Reset() {
	s.mu.Lock()
	s.samples = nil
	s.mu.Unlock()
}

// Len returns the number of pending samples.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}
