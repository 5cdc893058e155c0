package stream

import (
	"context"
	"testing"
	"time"

	"bankcore.io/internal/ledger"
)

func TestPublishReachesOnlyOwner(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	john := h.Subscribe(ctx, "u-john")
	jane := h.Subscribe(ctx, "u-jane")

	h.Publish(ledger.Notification{ID: "n1", UserID: "u-jane", Title: "Money received"})

	select {
	case n := <-jane:
		if n.ID != "n1" {
			t.Fatalf("unexpected notification %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("jane did not receive the notification")
	}
	select {
	case n := <-john:
		t.Fatalf("john received someone else's notification: %+v", n)
	default:
	}
}

func TestSubscriptionClosesWithContext(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.Subscribe(ctx, "u-john")
	if h.Subscribers("u-john") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
	if h.Subscribers("u-john") != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = h.Subscribe(ctx, "u-john")

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize+5; i++ {
			h.Publish(ledger.Notification{UserID: "u-john"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if h.Dropped() != 5 {
		t.Fatalf("expected 5 dropped deliveries, got %d", h.Dropped())
	}
}
