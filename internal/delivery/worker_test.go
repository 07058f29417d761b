package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"researchflow/internal/domain"
	"researchflow/internal/store"
)

type fakeStore struct {
	store.Store

	msgs    []domain.OutboxMessage
	markErr error
}

func (f *fakeStore) ListUndelivered(ctx context.Context) ([]domain.OutboxMessage, error) {
	var pending []domain.OutboxMessage
	for _, m := range f.msgs {
		if !m.Delivered {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func (f *fakeStore) MarkDelivered(ctx context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	for i := range f.msgs {
		if f.msgs[i].ID == id {
			f.msgs[i].Delivered = true
		}
	}
	return nil
}

type fakeSurface struct {
	posted  []string // bodies in post order
	failFor map[string]bool
}

func (f *fakeSurface) Post(ctx context.Context, channelID, text string) error {
	if f.failFor[text] {
		return errors.New("surface unavailable")
	}
	f.posted = append(f.posted, text)
	return nil
}

func outboxMsg(id, body string, at time.Time) domain.OutboxMessage {
	return domain.OutboxMessage{ID: id, WorkspaceID: "W1", ChannelID: "C1", Body: body, CreatedAt: at}
}

func TestRunCycleDrainsInOrder(t *testing.T) {
	base := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{msgs: []domain.OutboxMessage{
		outboxMsg("m1", "first", base),
		outboxMsg("m2", "second", base.Add(time.Second)),
		outboxMsg("m3", "third", base.Add(2*time.Second)),
	}}
	sf := &fakeSurface{}
	w := NewWorker(st, sf, time.Minute, 1000)

	if n := w.RunCycle(context.Background()); n != 3 {
		t.Fatalf("delivered = %d, want 3", n)
	}
	want := []string{"first", "second", "third"}
	for i, body := range want {
		if sf.posted[i] != body {
			t.Fatalf("posted[%d] = %q, want %q", i, sf.posted[i], body)
		}
	}
	for _, m := range st.msgs {
		if !m.Delivered {
			t.Fatalf("message %s not marked delivered", m.ID)
		}
	}
}

func TestRunCycleLeavesFailedUndelivered(t *testing.T) {
	base := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{msgs: []domain.OutboxMessage{
		outboxMsg("m1", "stuck", base),
		outboxMsg("m2", "fine", base.Add(time.Second)),
	}}
	sf := &fakeSurface{failFor: map[string]bool{"stuck": true}}
	w := NewWorker(st, sf, time.Minute, 1000)

	if n := w.RunCycle(context.Background()); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if st.msgs[0].Delivered {
		t.Fatal("failed message must stay undelivered")
	}
	if !st.msgs[1].Delivered {
		t.Fatal("later message must still be delivered")
	}

	// Next cycle retries only the stuck one.
	sf.failFor = nil
	if n := w.RunCycle(context.Background()); n != 1 {
		t.Fatalf("retry delivered = %d, want 1", n)
	}
	if !st.msgs[0].Delivered {
		t.Fatal("message should be delivered on retry")
	}
	if got := len(sf.posted); got != 2 {
		t.Fatalf("total posts = %d, want 2 (no duplicate of delivered message)", got)
	}
}

func TestRunCycleMarkFailureRisksDuplicate(t *testing.T) {
	base := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{
		msgs:    []domain.OutboxMessage{outboxMsg("m1", "hello", base)},
		markErr: errors.New("write failed"),
	}
	sf := &fakeSurface{}
	w := NewWorker(st, sf, time.Minute, 1000)

	if n := w.RunCycle(context.Background()); n != 0 {
		t.Fatalf("delivered = %d, want 0 (mark failed)", n)
	}
	// Posted once, still undelivered: the next cycle will post again.
	if len(sf.posted) != 1 {
		t.Fatalf("posts = %d, want 1", len(sf.posted))
	}
	if st.msgs[0].Delivered {
		t.Fatal("message must remain undelivered after mark failure")
	}
}

func TestRunCycleEmptyOutbox(t *testing.T) {
	w := NewWorker(&fakeStore{}, &fakeSurface{}, time.Minute, 1000)
	if n := w.RunCycle(context.Background()); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
}
