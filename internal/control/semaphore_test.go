package control

import (
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestSemaphoreCounts(t *testing.T) {
	var word uint32
	s := semaphore{word: &word}
	s.init(2)

	if !s.tryWait() || !s.tryWait() {
		t.Fatalf("expected two immediate acquisitions")
	}
	if s.tryWait() {
		t.Fatalf("acquired past zero")
	}
	if err := s.post(); err != nil {
		t.Fatalf("post: %v", err)
	}
	if s.value() != 1 {
		t.Fatalf("unexpected count: %d", s.value())
	}
}

func TestSemaphoreWaitWakesOnPost(t *testing.T) {
	var word uint32
	s := semaphore{word: &word}

	done := make(chan error, 1)
	go func() { done <- s.wait() }()
	select {
	case <-done:
		t.Fatalf("wait returned on a zero count")
	case <-time.After(50 * time.Millisecond):
	}
	if err := s.post(); err != nil {
		t.Fatalf("post: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("waiter not woken")
	}
}

func TestSemaphoreAsMutex(t *testing.T) {
	var word uint32
	s := semaphore{word: &word}
	s.init(1)

	const (
		workers = 8
		iters   = 1000
	)
	counter := 0
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for j := 0; j < iters; j++ {
				if err := s.wait(); err != nil {
					return err
				}
				counter++
				if err := s.post(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("workers: %v", err)
	}
	if counter != workers*iters {
		t.Fatalf("lost updates: %d", counter)
	}
}
