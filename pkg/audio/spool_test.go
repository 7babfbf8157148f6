package audio_test

import (
	"sync"
	"testing"

	"github.com/umindsales/magus/pkg/audio"
)

func TestSpool_ReadInOrder(t *testing.T) {
	var s audio.Spool
	s.Write([]float32{1, 2})
	s.Write([]float32{3})

	dst := make([]float32, 2)
	if n := s.Read(dst); n != 2 || dst[0] != 1 || dst[1] != 2 {
		t.Fatalf("first read: n=%d dst=%v", n, dst)
	}
	if n := s.Read(dst); n != 1 || dst[0] != 3 || dst[1] != 0 {
		t.Fatalf("second read: n=%d dst=%v (tail must be zero-filled)", n, dst)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestSpool_Reset(t *testing.T) {
	var s audio.Spool
	s.Write([]float32{1, 2, 3})
	s.Reset()

	dst := []float32{9, 9}
	if n := s.Read(dst); n != 0 || dst[0] != 0 || dst[1] != 0 {
		t.Errorf("after Reset: n=%d dst=%v", n, dst)
	}
}

func TestSpool_Concurrent(t *testing.T) {
	var s audio.Spool
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.Write([]float32{0.1})
			}
		}()
	}
	wg.Wait()
	if s.Len() != 800 {
		t.Errorf("Len = %d, want 800", s.Len())
	}
}
