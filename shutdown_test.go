package detectpipe

import (
	"errors"
	"sync"
	"testing"
)

func TestShutdownSignalFirstSetWins(t *testing.T) {
	s := NewShutdownSignal()

	if s.Fired() {
		t.Fatal("new signal already fired")
	}
	if s.Reason() != nil {
		t.Fatalf("new signal has reason %v", s.Reason())
	}

	first := errors.New("stream lost")
	s.Set(first)
	s.Set(errors.New("later reason"))
	s.Set(nil)

	if !s.Fired() {
		t.Fatal("signal not fired after Set")
	}
	if got := s.Reason(); got != first {
		t.Errorf("reason = %v, want the first recorded reason %v", got, first)
	}
}

func TestShutdownSignalNilReasonIsNormalStop(t *testing.T) {
	s := NewShutdownSignal()
	s.Set(nil)

	if !s.Fired() {
		t.Fatal("signal not fired")
	}
	if s.Reason() != nil {
		t.Errorf("reason = %v, want nil", s.Reason())
	}

	// A reason arriving after a normal stop does not overwrite it.
	s.Set(errors.New("too late"))
	if s.Reason() != nil {
		t.Errorf("reason = %v, want nil (first Set wins)", s.Reason())
	}
}

func TestShutdownSignalConcurrentSet(t *testing.T) {
	s := NewShutdownSignal()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Set(errors.New("racer"))
		}()
	}
	wg.Wait()

	if !s.Fired() {
		t.Fatal("signal not fired")
	}
	if s.Reason() == nil {
		t.Error("reason lost under concurrent Set")
	}
}
