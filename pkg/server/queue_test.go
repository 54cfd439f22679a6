package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	pb "github.com/NicolasHaas/reverb/pkg/protocol/pb"
)

func media(seq uint32) *pb.MediaPayload {
	return &pb.MediaPayload{Media: pb.MediaVoice, Data: []byte{byte(seq)}, Seq: seq}
}

func ping(ts int64) *pb.Ping {
	return &pb.Ping{Timestamp: ts}
}

func popAll(t *testing.T, q *OutboundQueue) []pb.Message {
	t.Helper()
	var out []pb.Message
	for q.Len() > 0 {
		msg, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func TestQueueFIFO(t *testing.T) {
	q := NewOutboundQueue(8, time.Second, nil)
	want := []pb.Message{ping(1), media(2), ping(3), media(4)}
	for _, m := range want {
		if err := q.Push(m); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if diff := cmp.Diff(want, popAll(t, q)); diff != "" {
		t.Errorf("pop order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueMediaEvictsOldestMedia(t *testing.T) {
	var dropped []pb.Message
	q := NewOutboundQueue(3, time.Second, func(m pb.Message) { dropped = append(dropped, m) })

	for _, m := range []pb.Message{media(1), ping(2), media(3)} {
		if err := q.Push(m); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if err := q.Push(media(4)); err != nil {
		t.Fatalf("Push onto full queue: %v", err)
	}

	if diff := cmp.Diff([]pb.Message{ping(2), media(3), media(4)}, popAll(t, q)); diff != "" {
		t.Errorf("queue contents mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]pb.Message{media(1)}, dropped); diff != "" {
		t.Errorf("dropped mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueMediaDroppedWhenOnlyReliableQueued(t *testing.T) {
	drops := 0
	q := NewOutboundQueue(2, time.Second, func(pb.Message) { drops++ })
	_ = q.Push(ping(1))
	_ = q.Push(ping(2))

	start := time.Now()
	if err := q.Push(media(3)); !errors.Is(err, ErrMediaDropped) {
		t.Fatalf("Push err = %v, want ErrMediaDropped", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("media push blocked for %v", elapsed)
	}
	if drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}
	if diff := cmp.Diff([]pb.Message{ping(1), ping(2)}, popAll(t, q)); diff != "" {
		t.Errorf("queue contents mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueReliableEvictsMedia(t *testing.T) {
	q := NewOutboundQueue(2, time.Second, nil)
	_ = q.Push(media(1))
	_ = q.Push(ping(2))

	if err := q.Push(ping(3)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if diff := cmp.Diff([]pb.Message{ping(2), ping(3)}, popAll(t, q)); diff != "" {
		t.Errorf("queue contents mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueReliableWaitsForSpace(t *testing.T) {
	q := NewOutboundQueue(1, 5*time.Second, nil)
	_ = q.Push(ping(1))

	done := make(chan error, 1)
	go func() { done <- q.Push(ping(2)) }()

	select {
	case err := <-done:
		t.Fatalf("Push returned %v before space was available", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := q.Pop(context.Background()); err != nil {
		t.Fatalf("Pop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Push: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Push still blocked after Pop")
	}
	if diff := cmp.Diff([]pb.Message{ping(2)}, popAll(t, q)); diff != "" {
		t.Errorf("queue contents mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueReliableTimeout(t *testing.T) {
	q := NewOutboundQueue(1, 20*time.Millisecond, nil)
	_ = q.Push(ping(1))

	if err := q.Push(ping(2)); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("Push err = %v, want ErrSlowConsumer", err)
	}
	if !errors.Is(q.Err(), ErrSlowConsumer) {
		t.Errorf("Err = %v, want ErrSlowConsumer", q.Err())
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrSlowConsumer) {
		t.Errorf("Pop err = %v, want ErrSlowConsumer", err)
	}
	if err := q.Push(ping(3)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push after overflow err = %v, want ErrQueueClosed", err)
	}
}

func TestQueueCloseDrains(t *testing.T) {
	q := NewOutboundQueue(4, time.Second, nil)
	_ = q.Push(ping(1))
	_ = q.Push(ping(2))
	q.Close()

	if err := q.Push(ping(3)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Push after Close err = %v, want ErrQueueClosed", err)
	}
	if diff := cmp.Diff([]pb.Message{ping(1), ping(2)}, popAll(t, q)); diff != "" {
		t.Errorf("drained mismatch (-want +got):\n%s", diff)
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop on drained queue err = %v, want ErrQueueClosed", err)
	}
}

func TestQueueDiscard(t *testing.T) {
	q := NewOutboundQueue(4, time.Second, nil)
	_ = q.Push(ping(1))
	q.Discard()
	if q.Len() != 0 {
		t.Errorf("Len = %d after Discard, want 0", q.Len())
	}
	if _, err := q.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop err = %v, want ErrQueueClosed", err)
	}
}

func TestQueueCloseWakesBlockedProducer(t *testing.T) {
	q := NewOutboundQueue(1, 5*time.Second, nil)
	_ = q.Push(ping(1))

	done := make(chan error, 1)
	go func() { done <- q.Push(ping(2)) }()
	time.Sleep(20 * time.Millisecond)
	q.Discard()

	select {
	case err := <-done:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("Push err = %v, want ErrQueueClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Push still blocked after Discard")
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewOutboundQueue(4, time.Second, nil)
	got := make(chan pb.Message, 1)
	go func() {
		msg, err := q.Pop(context.Background())
		if err == nil {
			got <- msg
		}
	}()
	time.Sleep(20 * time.Millisecond)
	_ = q.Push(ping(7))

	select {
	case msg := <-got:
		if diff := cmp.Diff(pb.Message(ping(7)), msg); diff != "" {
			t.Errorf("Pop mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake")
	}
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewOutboundQueue(4, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Pop err = %v, want context.Canceled", err)
	}

	// Queued items still come out after cancellation.
	_ = q.Push(ping(1))
	if _, err := q.Pop(ctx); err != nil {
		t.Fatalf("Pop with queued item: %v", err)
	}
}

// A full queue of mixed traffic under a stalled consumer keeps every
// reliable message and only ever loses media.
func TestQueueReliableSurvivesMediaFlood(t *testing.T) {
	q := NewOutboundQueue(16, time.Second, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 500 {
			_ = q.Push(media(uint32(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := range 10 {
			if err := q.Push(ping(int64(i))); err != nil {
				t.Errorf("reliable Push #%d: %v", i, err)
			}
		}
	}()
	wg.Wait()

	var pings []int64
	for _, m := range popAll(t, q) {
		if p, ok := m.(*pb.Ping); ok {
			pings = append(pings, p.Timestamp)
		}
	}
	if diff := cmp.Diff([]int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, pings); diff != "" {
		t.Errorf("reliable messages mismatch (-want +got):\n%s", diff)
	}
}

func TestClassOf(t *testing.T) {
	tests := map[string]struct {
		msg  pb.Message
		want Class
	}{
		"media":        {media(1), ClassMedia},
		"media_state":  {&pb.MediaState{Media: pb.MediaVoice}, ClassReliable},
		"text":         {&pb.TextMessage{ChannelID: "general", Body: "x"}, ClassReliable},
		"channelevent": {&pb.ChannelEvent{Event: pb.EventJoined}, ClassReliable},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if got := ClassOf(tt.msg); got != tt.want {
				t.Errorf("ClassOf = %v, want %v", got, tt.want)
			}
		})
	}
}
