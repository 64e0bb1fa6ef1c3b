package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/kbukum/etlkit/errors"
)

func TestBulkhead_AllowsWithinLimit(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Name: "adapters", MaxConcurrent: 2})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if b.InUse() != 0 || b.Available() != 2 {
		t.Errorf("slots not released: inUse=%d available=%d", b.InUse(), b.Available())
	}
}

func TestBulkhead_RejectsWhenFull(t *testing.T) {
	rejected := ""
	b := NewBulkhead(BulkheadConfig{Name: "adapters", MaxConcurrent: 1, OnReject: func(n string) { rejected = n }})
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	err := b.Execute(context.Background(), func() error { return nil })
	close(hold)
	if apperrors.CodeOf(err) != apperrors.ErrCodeResourceExhausted {
		t.Fatalf("expected RESOURCE_EXHAUSTED, got %v", err)
	}
	if rejected != "adapters" {
		t.Errorf("OnReject not called")
	}
}

func TestBulkhead_WaitsForSlot(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Name: "w", MaxConcurrent: 1, MaxWait: time.Second})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func() error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			return nil
		})
	}()
	<-started
	if err := b.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("expected slot after wait, got %v", err)
	}
}

func TestBulkhead_RespectsContext(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Name: "ctx", MaxConcurrent: 1, MaxWait: time.Hour})
	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Execute(context.Background(), func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Execute(ctx, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBulkhead_Stats(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Name: "stats", MaxConcurrent: 1})
	hold := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Execute(context.Background(), func() error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started

	_ = b.Execute(context.Background(), func() error { return nil })
	st := b.Stats()
	if !st.Saturated() || st.InUse != 1 || st.Rejected != 1 {
		t.Errorf("unexpected stats while full: %+v", st)
	}
	close(hold)
	<-done
	if st := b.Stats(); st.Saturated() || st.Rejected != 1 {
		t.Errorf("unexpected stats after release: %+v", st)
	}
}
