package queue_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Rneeshka/Aegis/internal/logging"
	"github.com/Rneeshka/Aegis/internal/queue"
)

func TestBoundedEviction(t *testing.T) {
	q := queue.New(50, logging.NewTestLogger(false))

	for i := 0; i < 51; i++ {
		q.Enqueue(queue.Request{
			Kind:       queue.KindURLCheck,
			SubjectURL: fmt.Sprintf("https://example.com/%d", i),
		})
	}

	if q.Len() != 50 {
		t.Fatalf("len = %d, want 50", q.Len())
	}

	var replayed []string
	q.DrainAndReplay(func(r queue.Request) error {
		replayed = append(replayed, r.SubjectURL)
		return nil
	})

	if len(replayed) != 50 {
		t.Fatalf("replayed %d, want 50", len(replayed))
	}
	// Oldest original entry (index 0) must have been evicted.
	if replayed[0] != "https://example.com/1" {
		t.Fatalf("first replayed = %q, want https://example.com/1", replayed[0])
	}
	if replayed[49] != "https://example.com/50" {
		t.Fatalf("last replayed = %q, want https://example.com/50", replayed[49])
	}
}

func TestDrainIsAtomic(t *testing.T) {
	q := queue.New(10, logging.NewTestLogger(false))
	q.Enqueue(queue.Request{Kind: queue.KindHover, SubjectURL: "https://a.example"})
	q.Enqueue(queue.Request{Kind: queue.KindHover, SubjectURL: "https://b.example"})

	var replayed int
	q.DrainAndReplay(func(r queue.Request) error {
		replayed++
		// New enqueues during replay must not be picked up by this drain.
		q.Enqueue(queue.Request{Kind: queue.KindHover, SubjectURL: "https://during.example"})
		return nil
	})

	if replayed != 2 {
		t.Fatalf("replayed %d, want 2", replayed)
	}
	if q.Len() != 2 {
		t.Fatalf("requests enqueued during replay lost: len = %d, want 2", q.Len())
	}
}

func TestReplayFailuresNotReEnqueued(t *testing.T) {
	q := queue.New(10, logging.NewTestLogger(false))
	q.Enqueue(queue.Request{Kind: queue.KindURLCheck, SubjectURL: "https://a.example"})

	q.DrainAndReplay(func(queue.Request) error {
		return errors.New("backend still down")
	})

	if q.Len() != 0 {
		t.Fatalf("failed replay must not be re-enqueued, len = %d", q.Len())
	}
}

func TestDrainEmptyQueueNoop(t *testing.T) {
	q := queue.New(10, logging.NewTestLogger(false))
	q.DrainAndReplay(func(queue.Request) error {
		t.Fatal("replay invoked for empty queue")
		return nil
	})
}
