package messaging

import (
	"context"
	"sync"
	"testing"
	"time"
)

func mustCreate(t *testing.T, s Store, id, a, b string, now time.Time) Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), CreateConversationInput{ID: id, Participants: [2]string{a, b}, Now: now})
	if err != nil {
		t.Fatalf("CreateConversation(%s): %v", id, err)
	}
	return c
}

func mustAppend(t *testing.T, s Store, convID, from, to, content string, now time.Time) Message {
	t.Helper()
	res, err := s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: convID,
		SenderID:       from,
		ReceiverID:     to,
		Content:        content,
		Type:           TypeText,
		Now:            now,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return res.Message
}

func TestInMemoryStore_CreateConversation_OneActivePerPair(t *testing.T) {
	s := NewInMemoryStore()
	t0 := time.Unix(1_700_000_000, 0).UTC()

	mustCreate(t, s, "c1", "a", "b", t0)

	_, err := s.CreateConversation(context.Background(), CreateConversationInput{ID: "c2", Participants: [2]string{"b", "a"}, Now: t0})
	if !IsConflict(err) {
		t.Fatalf("expected conflict for reversed pair, got %v", err)
	}

	got, err := s.FindActiveConversation(context.Background(), "b", "a")
	if err != nil {
		t.Fatalf("FindActiveConversation: %v", err)
	}
	if got.ID != "c1" {
		t.Fatalf("active id=%q want c1", got.ID)
	}
}

func TestInMemoryStore_CreateConversation_Validation(t *testing.T) {
	s := NewInMemoryStore()
	tests := []struct {
		name string
		in   CreateConversationInput
	}{
		{name: "missing id", in: CreateConversationInput{Participants: [2]string{"a", "b"}}},
		{name: "missing participant", in: CreateConversationInput{ID: "c", Participants: [2]string{"a", ""}}},
		{name: "self", in: CreateConversationInput{ID: "c", Participants: [2]string{"a", "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateConversation(context.Background(), tt.in); !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestInMemoryStore_SetDeleted_ReleasesPairWhenBothDeleted(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()

	mustCreate(t, s, "c1", "a", "b", t0)

	if _, err := s.SetDeleted(ctx, "c1", "a", true); err != nil {
		t.Fatalf("SetDeleted a: %v", err)
	}
	if _, err := s.FindActiveConversation(ctx, "a", "b"); err != nil {
		t.Fatalf("still active after one delete: %v", err)
	}

	if _, err := s.SetDeleted(ctx, "c1", "b", true); err != nil {
		t.Fatalf("SetDeleted b: %v", err)
	}
	if _, err := s.FindActiveConversation(ctx, "a", "b"); !IsNotFound(err) {
		t.Fatalf("expected not found after both deleted, got %v", err)
	}

	mustCreate(t, s, "c2", "a", "b", t0)

	// Restoring the old one would create a second active conversation.
	if _, err := s.SetDeleted(ctx, "c1", "a", false); !IsConflict(err) {
		t.Fatalf("expected conflict on restore, got %v", err)
	}
}

func TestInMemoryStore_AppendMessage_SummaryAndOrdering(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()

	mustCreate(t, s, "c1", "a", "b", t0)

	m1 := mustAppend(t, s, "c1", "a", "b", "first", t0.Add(2*time.Second))
	// Clock went backwards: SentAt is clamped to the last message time.
	m2 := mustAppend(t, s, "c1", "b", "a", "second", t0.Add(time.Second))

	if m2.SentAt.Before(m1.SentAt) {
		t.Fatalf("sentAt went backwards: m1=%v m2=%v", m1.SentAt, m2.SentAt)
	}
	if m2.Seq != m1.Seq+1 {
		t.Fatalf("seq m1=%d m2=%d", m1.Seq, m2.Seq)
	}

	c, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.LastMessage != "second" {
		t.Fatalf("lastMessage=%q", c.LastMessage)
	}
	if c.UnreadFor("a") != 1 || c.UnreadFor("b") != 1 {
		t.Fatalf("unread=%v", c.UnreadCounts)
	}

	msgs, err := s.ListConversationMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("ListConversationMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != m1.ID || msgs[1].ID != m2.ID {
		t.Fatalf("unexpected order: %+v", msgs)
	}
}

func TestInMemoryStore_AppendMessage_RejectsForeignPair(t *testing.T) {
	s := NewInMemoryStore()
	mustCreate(t, s, "c1", "a", "b", time.Time{})

	_, err := s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: "c1", SenderID: "a", ReceiverID: "c", Content: "x", Type: TypeText,
	})
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	_, err = s.AppendMessage(context.Background(), AppendMessageInput{
		ConversationID: "missing", SenderID: "a", ReceiverID: "b", Content: "x", Type: TypeText,
	})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInMemoryStore_AppendMessage_ConcurrentCounters(t *testing.T) {
	s := NewInMemoryStore()
	mustCreate(t, s, "c1", "a", "b", time.Time{})

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AppendMessage(context.Background(), AppendMessageInput{
				ConversationID: "c1", SenderID: "a", ReceiverID: "b", Content: "x", Type: TypeText,
			})
		}()
	}
	wg.Wait()

	c, err := s.GetConversation(context.Background(), "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.UnreadFor("b") != n {
		t.Fatalf("unread=%d want %d", c.UnreadFor("b"), n)
	}
}

func TestInMemoryStore_MarkRead(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, "c1", "a", "b", time.Time{})

	m1 := mustAppend(t, s, "c1", "a", "b", "1", time.Time{})
	mustAppend(t, s, "c1", "a", "b", "2", time.Time{})
	mustAppend(t, s, "c1", "b", "a", "3", time.Time{})

	res, err := s.MarkRead(ctx, MarkReadInput{ConversationID: "c1", ReaderID: "b", MessageIDs: []string{m1.ID}})
	if err != nil {
		t.Fatalf("MarkRead ids: %v", err)
	}
	if res.Count != 1 || res.Remaining != 1 {
		t.Fatalf("res=%+v want count=1 remaining=1", res)
	}

	res, err = s.MarkRead(ctx, MarkReadInput{ConversationID: "c1", ReaderID: "b"})
	if err != nil {
		t.Fatalf("MarkRead all: %v", err)
	}
	if res.Count != 1 || res.Remaining != 0 {
		t.Fatalf("res=%+v want count=1 remaining=0", res)
	}

	c, _ := s.GetConversation(ctx, "c1")
	if c.UnreadFor("b") != 0 || c.UnreadFor("a") != 1 {
		t.Fatalf("unread=%v", c.UnreadCounts)
	}
}

func TestInMemoryStore_RecountUnread(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	mustCreate(t, s, "c1", "a", "b", time.Time{})
	mustAppend(t, s, "c1", "a", "b", "1", time.Time{})
	mustAppend(t, s, "c1", "a", "b", "2", time.Time{})

	s.mu.Lock()
	s.convs["c1"].conv.UnreadCounts["b"] = 99
	s.convs["c1"].conv.UnreadCounts["a"] = 7
	s.mu.Unlock()

	counts, err := s.RecountUnread(ctx, "c1")
	if err != nil {
		t.Fatalf("RecountUnread: %v", err)
	}
	if counts["b"] != 2 || counts["a"] != 0 {
		t.Fatalf("counts=%v", counts)
	}
	c, _ := s.GetConversation(ctx, "c1")
	if c.UnreadFor("b") != 2 || c.UnreadFor("a") != 0 {
		t.Fatalf("stored counts=%v", c.UnreadCounts)
	}
}

func TestInMemoryStore_CounterpartSummaries(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	t0 := time.Unix(1_700_000_000, 0).UTC()

	mustCreate(t, s, "c1", "a", "b", t0)
	mustCreate(t, s, "c2", "a", "c", t0)

	mustAppend(t, s, "c1", "b", "a", "from b", t0.Add(1*time.Second))
	mustAppend(t, s, "c2", "c", "a", "from c", t0.Add(2*time.Second))
	mustAppend(t, s, "c2", "c", "a", "again c", t0.Add(3*time.Second))
	mustAppend(t, s, "c1", "a", "b", "reply b", t0.Add(4*time.Second))

	sums, err := s.CounterpartSummaries(ctx, "a")
	if err != nil {
		t.Fatalf("CounterpartSummaries: %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("len=%d want 2", len(sums))
	}
	if sums[0].UserID != "b" || sums[0].LastMessage.Content != "reply b" || sums[0].UnreadCount != 1 {
		t.Fatalf("first=%+v", sums[0])
	}
	if sums[1].UserID != "c" || sums[1].LastMessage.Content != "again c" || sums[1].UnreadCount != 2 {
		t.Fatalf("second=%+v", sums[1])
	}
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	c := mustCreate(t, s, "c1", "a", "b", time.Time{})
	c.UnreadCounts["a"] = 42

	got, _ := s.GetConversation(ctx, "c1")
	if got.UnreadFor("a") != 0 {
		t.Fatalf("caller mutation leaked into store")
	}
}
