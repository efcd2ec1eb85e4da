package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"bloodbank-api/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub(zap.NewNop(), nil)
	a := h.Subscribe()
	b := h.Subscribe()
	if h.Count() != 2 {
		t.Fatalf("count = %d", h.Count())
	}

	ev := model.ChangeEvent{Table: model.TableInventory, Action: model.ActionInsert, ID: "u-1"}
	h.Publish(context.Background(), ev)

	for _, s := range []*Subscriber{a, b} {
		select {
		case got := <-s.Events:
			if got != ev {
				t.Fatalf("got %+v", got)
			}
		default:
			t.Fatalf("subscriber %s received nothing", s.ID)
		}
	}

	h.Unsubscribe(a.ID)
	h.Unsubscribe(a.ID)
	if _, ok := <-a.Events; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	if h.Count() != 1 {
		t.Fatalf("count after unsubscribe = %d", h.Count())
	}
}

func TestHub_Close(t *testing.T) {
	h := NewHub(zap.NewNop(), nil)
	a := h.Subscribe()
	h.Close()

	if _, ok := <-a.Events; ok {
		t.Fatal("channel not closed by Close")
	}
	if h.Count() != 0 {
		t.Fatalf("count after close = %d", h.Count())
	}
	h.Unsubscribe(a.ID)
	h.Publish(context.Background(), model.ChangeEvent{ID: "x"})
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(zap.NewNop(), nil)
	s := h.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < h.buffer*2; i++ {
			h.Publish(context.Background(), model.ChangeEvent{ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if len(s.Events) != h.buffer {
		t.Fatalf("buffered = %d, want %d", len(s.Events), h.buffer)
	}
}

func TestRedisBridge(t *testing.T) {
	addr := os.Getenv("BLOODBANK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("BLOODBANK_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := "bloodbank:test:" + time.Now().Format("150405.000000")
	receiver := NewHub(zap.NewNop(), nil)
	sub := receiver.Subscribe()
	go func() { _ = NewRedisBridge(client, channel, receiver, zap.NewNop()).Run(ctx) }()

	sender := NewRedisBridge(client, channel, NewHub(zap.NewNop(), nil), zap.NewNop())
	want := model.ChangeEvent{Table: model.TableRequests, Action: model.ActionUpdate, ID: "r-1", Status: "fulfilled"}

	// The subscriber may not be attached yet; publish until it is.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-sub.Events:
			if got.ID != want.ID || got.Status != want.Status {
				t.Fatalf("got %+v", got)
			}
			return
		case <-tick.C:
			sender.Publish(ctx, want)
		case <-deadline:
			t.Fatal("event not relayed")
		}
	}
}
