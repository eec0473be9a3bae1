package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type pose struct {
	Seq uint64
}

func TestConsumer_InOrder(t *testing.T) {
	b := New[pose]()
	defer b.Close()

	ch := make(chan pose, 10)
	if err := b.Subscribe("repphase", ch); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := uint64(1); i <= 3; i++ {
		b.Publish(pose{Seq: i})
	}

	for i := uint64(1); i <= 3; i++ {
		select {
		case got := <-ch:
			if got.Seq != i {
				t.Fatalf("want seq %d, got %d", i, got.Seq)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for pose")
		}
	}
}

// A full consumer drops the incoming pose and keeps what it already buffered.
func TestConsumer_FullDropsIncoming(t *testing.T) {
	b := New[pose]()
	defer b.Close()

	ch := make(chan pose, 1)
	if err := b.Subscribe("violation", ch); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		b.Publish(pose{Seq: 1})
		b.Publish(pose{Seq: 2})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Publish blocked on a full consumer")
	}

	if got := <-ch; got.Seq != 1 {
		t.Errorf("want seq 1, got %d", got.Seq)
	}
	if s := b.Stats().Subscribers["violation"]; s.Delivered != 1 || s.Dropped != 1 {
		t.Errorf("want 1 delivered / 1 dropped, got %d / %d", s.Delivered, s.Dropped)
	}
}

func TestStats_SlowConsumerIsolated(t *testing.T) {
	b := New[pose]()
	defer b.Close()

	fast := make(chan pose, 10)
	slow := make(chan pose, 1)
	_ = b.Subscribe("repphase", fast)
	_ = b.Subscribe("violation", slow)

	for i := uint64(1); i <= 5; i++ {
		b.Publish(pose{Seq: i})
	}

	st := b.Stats()
	if st.Published != 5 {
		t.Errorf("want 5 published, got %d", st.Published)
	}
	if got, want := st.Delivered+st.Dropped, st.Published*2; got != want {
		t.Errorf("offers %d, want %d", got, want)
	}
	if st.Subscribers["repphase"].Delivered != 5 {
		t.Errorf("fast consumer got %d, want 5", st.Subscribers["repphase"].Delivered)
	}
	if st.Subscribers["violation"].Dropped != 4 {
		t.Errorf("slow consumer dropped %d, want 4", st.Subscribers["violation"].Dropped)
	}
	if r := st.DropRate(); r != 0.4 {
		t.Errorf("drop rate %f, want 0.4", r)
	}
}

func TestRegistrationErrors(t *testing.T) {
	b := New[pose]()

	if err := b.Subscribe("a", make(chan pose, 1)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe("a", make(chan pose, 1)); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("want ErrDuplicateID, got %v", err)
	}
	if _, err := b.Watch("a"); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("want ErrDuplicateID for watcher, got %v", err)
	}
	if err := b.Subscribe("nil", nil); !errors.Is(err, ErrNilChannel) {
		t.Errorf("want ErrNilChannel, got %v", err)
	}
	if err := b.Remove("missing"); !errors.Is(err, ErrUnknownID) {
		t.Errorf("want ErrUnknownID, got %v", err)
	}

	b.Close()
	b.Close()
	if err := b.Subscribe("late", make(chan pose, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed, got %v", err)
	}
	if _, err := b.Watch("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed for watcher, got %v", err)
	}
	b.Publish(pose{Seq: 1})
}

func TestRemove_StopsDelivery(t *testing.T) {
	b := New[pose]()
	defer b.Close()

	ch := make(chan pose, 1)
	_ = b.Subscribe("a", ch)
	if err := b.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n := len(b.Stats().Subscribers); n != 0 {
		t.Errorf("want no subscribers, got %d", n)
	}

	b.Publish(pose{Seq: 1})
	select {
	case <-ch:
		t.Error("delivered after Remove")
	default:
	}
}

func TestWatch_SeesLatestOnly(t *testing.T) {
	b := New[pose]()
	defer b.Close()

	w, err := b.Watch("ui")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := uint64(1); i <= 3; i++ {
		b.Publish(pose{Seq: i})
	}
	v, err := w.Next(ctx)
	if err != nil || v.Seq != 3 {
		t.Fatalf("want seq 3, got %d (err=%v)", v.Seq, err)
	}

	// Nothing newer yet.
	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelShort()
	if _, err := w.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}

	got := make(chan pose, 1)
	go func() {
		v, _ := w.Next(ctx)
		got <- v
	}()
	time.Sleep(10 * time.Millisecond)
	b.Publish(pose{Seq: 4})

	select {
	case v := <-got:
		if v.Seq != 4 {
			t.Errorf("want seq 4, got %d", v.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("Next did not wake on publish")
	}
}

func TestWatch_CloseWakesNext(t *testing.T) {
	b := New[pose]()

	w, _ := b.Watch("ui")
	done := make(chan error, 1)
	go func() {
		_, err := w.Next(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("want ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake Next")
	}
}

func TestWatch_RemoveClosesSlot(t *testing.T) {
	b := New[pose]()
	defer b.Close()

	w, _ := b.Watch("ui")
	b.Publish(pose{Seq: 1})
	if err := b.Remove("ui"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := w.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("want ErrClosed after Remove, got %v", err)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New[pose]()
	defer b.Close()

	for i := 0; i < 3; i++ {
		_ = b.Subscribe(fmt.Sprintf("consumer-%d", i), make(chan pose, 8))
	}
	w, _ := b.Watch("ui")

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(pose{Seq: uint64(i)})
			}
		}()
	}
	wg.Wait()

	st := b.Stats()
	if st.Published != 400 {
		t.Errorf("want 400 published, got %d", st.Published)
	}
	if st.Delivered+st.Dropped != 1600 {
		t.Errorf("want 1600 offers, got %d", st.Delivered+st.Dropped)
	}
	if st.Subscribers["ui"].Delivered != 400 {
		t.Errorf("watcher saw %d sets, want 400", st.Subscribers["ui"].Delivered)
	}
	if _, err := w.Next(context.Background()); err != nil {
		t.Errorf("Next: %v", err)
	}
}
