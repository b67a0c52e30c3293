package messaging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"inbox/cmd/identity"
	"inbox/cmd/internal/events"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	store *InMemoryStore
	dir   *identity.MemoryDirectory
	clock *fakeClock
	pub   *recordingPublisher
	convs *ConversationService
	msgs  *MessageService
}

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, NewInMemoryStore(), nil)
}

func newFixtureWithStore(t *testing.T, mem *InMemoryStore, wrap func(Store) Store) *fixture {
	t.Helper()

	f := &fixture{
		store: mem,
		dir: identity.NewMemoryDirectory(
			identity.User{ID: "brand-1", DisplayName: "Acme", Role: identity.RoleBrand},
			identity.User{ID: "creator-1", DisplayName: "Cleo", Role: identity.RoleCreator},
			identity.User{ID: "creator-2", DisplayName: "Dana", Role: identity.RoleCreator},
		),
		clock: newFakeClock(),
		pub:   &recordingPublisher{},
	}
	var st Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	opts := []Option{WithClock(f.clock.Now), WithEvents(f.pub)}
	f.convs = NewConversationService(quietLog(), st, f.dir, opts...)
	f.msgs = NewMessageService(quietLog(), st, f.dir, f.convs, opts...)
	return f
}

func (f *fixture) send(t *testing.T, from, to, content string) SendResult {
	t.Helper()
	f.clock.Advance(time.Second)
	res, err := f.msgs.Send(context.Background(), SendInput{SenderID: from, ReceiverID: to, Content: content})
	if err != nil {
		t.Fatalf("Send %s->%s: %v", from, to, err)
	}
	return res
}

func TestCreateOrGet_OneConversationPerPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.convs.CreateOrGet(ctx, "brand-1", "creator-1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if !created {
		t.Fatalf("expected first call to create")
	}
	if first.Counterpart.DisplayName != "Cleo" {
		t.Fatalf("counterpart=%+v", first.Counterpart)
	}

	again, created, err := f.convs.CreateOrGet(ctx, "brand-1", "creator-1")
	if err != nil || created {
		t.Fatalf("second call: created=%v err=%v", created, err)
	}
	reversed, created, err := f.convs.CreateOrGet(ctx, "creator-1", "brand-1")
	if err != nil || created {
		t.Fatalf("reversed call: created=%v err=%v", created, err)
	}

	if again.Conversation.ID != first.Conversation.ID || reversed.Conversation.ID != first.Conversation.ID {
		t.Fatalf("ids differ: %s %s %s", first.Conversation.ID, again.Conversation.ID, reversed.Conversation.ID)
	}
}

func TestCreateOrGet_ConcurrentCallersShareConversation(t *testing.T) {
	f := newFixture(t)

	const n = 16
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "brand-1", "creator-1"
			if i%2 == 1 {
				a, b = b, a
			}
			v, _, err := f.convs.CreateOrGet(context.Background(), a, b)
			if err != nil {
				t.Errorf("CreateOrGet: %v", err)
				return
			}
			ids <- v.Conversation.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[string]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	if len(seen) != 1 {
		t.Fatalf("expected one conversation id, got %d", len(seen))
	}
}

func TestCreateOrGet_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name      string
		requester string
		other     string
		check     func(error) bool
	}{
		{name: "missing other", requester: "brand-1", other: " ", check: IsValidation},
		{name: "missing requester", requester: "", other: "creator-1", check: IsValidation},
		{name: "self", requester: "brand-1", other: "brand-1", check: IsValidation},
		{name: "unknown other", requester: "brand-1", other: "ghost", check: IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.convs.CreateOrGet(context.Background(), tt.requester, tt.other)
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	convs, _ := f.store.ListConversations(context.Background(), "brand-1")
	if len(convs) != 0 {
		t.Fatalf("failed calls created %d conversations", len(convs))
	}
}

func TestSoftDelete_IsPerParticipant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.send(t, "brand-1", "creator-1", "hello")
	convID := res.Conversation.ID

	if err := f.convs.SoftDelete(ctx, "brand-1", convID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	// Idempotent.
	if err := f.convs.SoftDelete(ctx, "brand-1", convID); err != nil {
		t.Fatalf("SoftDelete again: %v", err)
	}

	mine, _ := f.convs.List(ctx, "brand-1")
	if len(mine) != 0 {
		t.Fatalf("deleter still lists %d conversations", len(mine))
	}
	if _, err := f.convs.Get(ctx, "brand-1", convID); !IsNotFound(err) {
		t.Fatalf("deleter Get: expected not found, got %v", err)
	}

	theirs, _ := f.convs.List(ctx, "creator-1")
	if len(theirs) != 1 || theirs[0].Conversation.ID != convID {
		t.Fatalf("other participant lost the conversation: %+v", theirs)
	}
	detail, err := f.convs.Get(ctx, "creator-1", convID)
	if err != nil {
		t.Fatalf("other participant Get: %v", err)
	}
	if len(detail.Messages) != 1 {
		t.Fatalf("messages=%d want 1", len(detail.Messages))
	}
}

func TestSoftDelete_NonParticipant(t *testing.T) {
	f := newFixture(t)
	res := f.send(t, "brand-1", "creator-1", "hello")

	if err := f.convs.SoftDelete(context.Background(), "creator-2", res.Conversation.ID); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.convs.SoftDelete(context.Background(), "creator-2", "nope"); !IsNotFound(err) {
		t.Fatalf("expected not found for missing conversation, got %v", err)
	}
}

func TestCreateOrGet_RestoresDeletedConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.send(t, "brand-1", "creator-1", "hello")
	if err := f.convs.SoftDelete(ctx, "creator-1", res.Conversation.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	v, created, err := f.convs.CreateOrGet(ctx, "brand-1", "creator-1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if created || v.Conversation.ID != res.Conversation.ID {
		t.Fatalf("expected existing conversation, got created=%v id=%s", created, v.Conversation.ID)
	}
	if v.Conversation.IsDeletedFor("creator-1") {
		t.Fatalf("other party still deleted")
	}

	if err := f.convs.SoftDelete(ctx, "brand-1", res.Conversation.ID); err != nil {
		t.Fatalf("SoftDelete requester: %v", err)
	}
	v, created, err = f.convs.CreateOrGet(ctx, "brand-1", "creator-1")
	if err != nil || created || v.Conversation.ID != res.Conversation.ID {
		t.Fatalf("requester restore: created=%v id=%s err=%v", created, v.Conversation.ID, err)
	}
	mine, _ := f.convs.List(ctx, "brand-1")
	if len(mine) != 1 {
		t.Fatalf("restored conversation not listed")
	}
}

func TestCreateOrGet_FullyDeletedStartsFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.send(t, "brand-1", "creator-1", "hello")
	_ = f.convs.SoftDelete(ctx, "brand-1", res.Conversation.ID)
	_ = f.convs.SoftDelete(ctx, "creator-1", res.Conversation.ID)

	v, created, err := f.convs.CreateOrGet(ctx, "brand-1", "creator-1")
	if err != nil {
		t.Fatalf("CreateOrGet: %v", err)
	}
	if !created || v.Conversation.ID == res.Conversation.ID {
		t.Fatalf("expected a new conversation, created=%v id=%s", created, v.Conversation.ID)
	}
}

func TestArchive_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "brand-1", "creator-1", "hello")

	for i := 0; i < 2; i++ {
		v, err := f.convs.Archive(ctx, "brand-1", res.Conversation.ID, true)
		if err != nil {
			t.Fatalf("Archive #%d: %v", i, err)
		}
		if !v.IsArchived {
			t.Fatalf("Archive #%d: not archived", i)
		}
		if got := len(v.Conversation.ArchivedBy); got != 1 {
			t.Fatalf("archivedBy len=%d want 1", got)
		}
	}

	theirs, _ := f.convs.List(ctx, "creator-1")
	if theirs[0].IsArchived {
		t.Fatalf("archive leaked to other participant")
	}

	v, err := f.convs.Archive(ctx, "brand-1", res.Conversation.ID, false)
	if err != nil || v.IsArchived {
		t.Fatalf("unarchive: archived=%v err=%v", v.IsArchived, err)
	}
}

func TestList_SortedByLastMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c1 := f.send(t, "brand-1", "creator-1", "one")
	c2 := f.send(t, "brand-1", "creator-2", "two")

	list, err := f.convs.List(ctx, "brand-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].Conversation.ID != c2.Conversation.ID {
		t.Fatalf("unexpected order: %+v", list)
	}

	f.send(t, "creator-1", "brand-1", "bump")
	list, _ = f.convs.List(ctx, "brand-1")
	if list[0].Conversation.ID != c1.Conversation.ID {
		t.Fatalf("bumped conversation not first")
	}
	if list[0].UnreadCount != 1 || list[1].UnreadCount != 0 {
		t.Fatalf("unread counts: %d %d", list[0].UnreadCount, list[1].UnreadCount)
	}
	if list[0].Counterpart.DisplayName != "Cleo" {
		t.Fatalf("counterpart=%+v", list[0].Counterpart)
	}
}

type flakyDirectory struct {
	identity.Directory
	down map[string]bool
}

func (d flakyDirectory) LookupUser(ctx context.Context, id string) (identity.User, error) {
	if d.down[id] {
		return identity.User{}, identity.OpError{Op: "test", Kind: identity.ErrUnavailable}
	}
	return d.Directory.LookupUser(ctx, id)
}

func TestList_DegradesWhenCounterpartLookupFails(t *testing.T) {
	f := newFixture(t)
	f.send(t, "brand-1", "creator-1", "hello")

	dir := flakyDirectory{Directory: f.dir, down: map[string]bool{"creator-1": true}}
	convs := NewConversationService(quietLog(), f.store, dir)

	list, err := convs.List(context.Background(), "brand-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].Counterpart.ID != "creator-1" || list[0].Counterpart.DisplayName != "Unknown user" {
		t.Fatalf("unexpected degraded view: %+v", list)
	}
}

func TestSend_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.send(t, "brand-1", "creator-1", "hi")
	if !res.Created {
		t.Fatalf("expected implicit conversation creation")
	}
	if res.Sender.DisplayName != "Acme" {
		t.Fatalf("sender=%+v", res.Sender)
	}
	if res.Message.IsRead || res.Message.Type != TypeText {
		t.Fatalf("message=%+v", res.Message)
	}

	conv, _ := f.store.GetConversation(ctx, res.Conversation.ID)
	if conv.UnreadFor("creator-1") != 1 || conv.LastMessage != "hi" {
		t.Fatalf("summary: unread=%v last=%q", conv.UnreadCounts, conv.LastMessage)
	}

	read, err := f.msgs.MarkRead(ctx, "creator-1", conv.ID, nil)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if read.Count != 1 || read.OtherID != "brand-1" {
		t.Fatalf("read=%+v", read)
	}

	again, err := f.msgs.MarkRead(ctx, "creator-1", conv.ID, nil)
	if err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}
	if again.Count != 0 {
		t.Fatalf("second MarkRead count=%d want 0", again.Count)
	}

	conv, _ = f.store.GetConversation(ctx, conv.ID)
	if conv.UnreadFor("creator-1") != 0 {
		t.Fatalf("unread=%d after read", conv.UnreadFor("creator-1"))
	}
	msgs, _ := f.msgs.ConversationMessages(ctx, "creator-1", conv.ID)
	if len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("messages=%+v", msgs)
	}

	got := f.pub.types()
	want := []string{events.TypeMessageSent, events.TypeMessagesRead}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events=%v want %v", got, want)
	}
}

func TestSend_UnreadGrowsByOnePerMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var convID string
	for i := 1; i <= 5; i++ {
		res := f.send(t, "brand-1", "creator-1", "msg")
		convID = res.Conversation.ID
		if got := res.Conversation.UnreadFor("creator-1"); got != i {
			t.Fatalf("after %d sends unread=%d", i, got)
		}
	}
	conv, _ := f.store.GetConversation(ctx, convID)
	if conv.UnreadFor("brand-1") != 0 {
		t.Fatalf("sender counter moved: %v", conv.UnreadCounts)
	}
}

func TestSend_ReceiverNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.msgs.Send(ctx, SendInput{SenderID: "brand-1", ReceiverID: "ghost", Content: "hi"})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	convs, _ := f.store.ListConversations(ctx, "brand-1")
	if len(convs) != 0 {
		t.Fatalf("conversation created for unknown receiver")
	}
	msgs, _ := f.store.ListMessagesBetween(ctx, "brand-1", "ghost")
	if len(msgs) != 0 {
		t.Fatalf("message stored for unknown receiver")
	}
}

func TestSend_ExplicitConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "brand-1", "creator-1", "hello")
	convID := res.Conversation.ID

	t.Run("receiver derived", func(t *testing.T) {
		out, err := f.msgs.Send(ctx, SendInput{SenderID: "creator-1", ConversationID: convID, Content: "hey"})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if out.Message.ReceiverID != "brand-1" || out.Created {
			t.Fatalf("message=%+v created=%v", out.Message, out.Created)
		}
	})

	t.Run("marker means implicit", func(t *testing.T) {
		out, err := f.msgs.Send(ctx, SendInput{SenderID: "creator-1", ReceiverID: "brand-1", ConversationID: "new", Content: "x"})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if out.Conversation.ID != convID {
			t.Fatalf("marker resolved to %s want %s", out.Conversation.ID, convID)
		}
	})

	t.Run("non participant forbidden", func(t *testing.T) {
		_, err := f.msgs.Send(ctx, SendInput{SenderID: "creator-2", ConversationID: convID, Content: "x"})
		if !IsForbidden(err) {
			t.Fatalf("expected forbidden, got %v", err)
		}
	})

	t.Run("receiver mismatch", func(t *testing.T) {
		_, err := f.msgs.Send(ctx, SendInput{SenderID: "brand-1", ReceiverID: "creator-2", ConversationID: convID, Content: "x"})
		if !IsValidation(err) {
			t.Fatalf("expected validation, got %v", err)
		}
	})

	t.Run("missing conversation", func(t *testing.T) {
		_, err := f.msgs.Send(ctx, SendInput{SenderID: "brand-1", ConversationID: "01HZZZZZZZZZZZZZZZZZZZZZZZ", Content: "x"})
		if !IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func TestSend_ToConversationDeletedBySender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "brand-1", "creator-1", "hello")
	_ = f.convs.SoftDelete(ctx, "brand-1", res.Conversation.ID)

	_, err := f.msgs.Send(ctx, SendInput{SenderID: "brand-1", ConversationID: res.Conversation.ID, Content: "x"})
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSend_RestoresReceiverVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "brand-1", "creator-1", "hello")
	_ = f.convs.SoftDelete(ctx, "creator-1", res.Conversation.ID)

	f.send(t, "brand-1", "creator-1", "are you there?")

	list, _ := f.convs.List(ctx, "creator-1")
	if len(list) != 1 || list[0].Conversation.ID != res.Conversation.ID {
		t.Fatalf("receiver does not see the conversation again: %+v", list)
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		in   SendInput
	}{
		{name: "missing sender", in: SendInput{ReceiverID: "creator-1", Content: "x"}},
		{name: "missing receiver", in: SendInput{SenderID: "brand-1", Content: "x"}},
		{name: "self", in: SendInput{SenderID: "brand-1", ReceiverID: "brand-1", Content: "x"}},
		{name: "bad type", in: SendInput{SenderID: "brand-1", ReceiverID: "creator-1", Content: "x", Type: "video"}},
		{name: "empty", in: SendInput{SenderID: "brand-1", ReceiverID: "creator-1", Content: "  "}},
		{name: "too long", in: SendInput{SenderID: "brand-1", ReceiverID: "creator-1", Content: strings.Repeat("é", MaxContentRunes+1)}},
		{name: "too many attachments", in: SendInput{SenderID: "brand-1", ReceiverID: "creator-1", Attachments: make([]string, MaxAttachments+1)}},
		{name: "blank attachment", in: SendInput{SenderID: "brand-1", ReceiverID: "creator-1", Attachments: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.msgs.Send(context.Background(), tt.in); !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSend_ContentAtLimitAccepted(t *testing.T) {
	f := newFixture(t)
	_, err := f.msgs.Send(context.Background(), SendInput{
		SenderID: "brand-1", ReceiverID: "creator-1", Content: strings.Repeat("é", MaxContentRunes),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestSend_AttachmentPreview(t *testing.T) {
	f := newFixture(t)
	res, err := f.msgs.Send(context.Background(), SendInput{
		SenderID:    "brand-1",
		ReceiverID:  "creator-1",
		Attachments: []string{"https://cdn.example.com/brief.png"},
		Type:        "image",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Conversation.LastMessage != "image message" {
		t.Fatalf("lastMessage=%q", res.Conversation.LastMessage)
	}
	if res.Message.Type != TypeImage || len(res.Message.Attachments) != 1 {
		t.Fatalf("message=%+v", res.Message)
	}
}

func TestSend_EmptySystemMessage(t *testing.T) {
	f := newFixture(t)
	res, err := f.msgs.Send(context.Background(), SendInput{
		SenderID:   "brand-1",
		ReceiverID: "creator-1",
		Type:       "system",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Conversation.LastMessage != "system message" {
		t.Fatalf("lastMessage=%q", res.Conversation.LastMessage)
	}
	if res.Message.Type != TypeSystem {
		t.Fatalf("message=%+v", res.Message)
	}
}

func TestConversationMessages_Ordering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.send(t, "brand-1", "creator-1", "1")
	convID := first.Conversation.ID

	// Clock skew backwards must not reorder messages.
	f.clock.Advance(-time.Hour)
	f.send(t, "creator-1", "brand-1", "2")
	f.send(t, "brand-1", "creator-1", "3")

	msgs, err := f.msgs.ConversationMessages(ctx, "brand-1", convID)
	if err != nil {
		t.Fatalf("ConversationMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len=%d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].SentAt.Before(msgs[i-1].SentAt) {
			t.Fatalf("sentAt decreased at %d", i)
		}
	}
	if msgs[0].Content != "1" || msgs[1].Content != "2" || msgs[2].Content != "3" {
		t.Fatalf("order: %q %q %q", msgs[0].Content, msgs[1].Content, msgs[2].Content)
	}

	between, err := f.msgs.MessagesWith(ctx, "creator-1", "brand-1")
	if err != nil {
		t.Fatalf("MessagesWith: %v", err)
	}
	if len(between) != 3 || between[2].Content != "3" {
		t.Fatalf("between=%+v", between)
	}
}

func TestConversationMessages_Access(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "brand-1", "creator-1", "1")

	if _, err := f.msgs.ConversationMessages(ctx, "creator-2", res.Conversation.ID); !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.msgs.ConversationMessages(ctx, "brand-1", "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.msgs.MessagesWith(ctx, "brand-1", "ghost"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkRead_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "brand-1", "creator-1", "1")

	if _, err := f.msgs.MarkRead(ctx, "creator-1", "", nil); !IsValidation(err) {
		t.Fatalf("expected validation, got %v", err)
	}
	if _, err := f.msgs.MarkRead(ctx, "creator-2", res.Conversation.ID, nil); !IsForbidden(err) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := f.msgs.MarkRead(ctx, "creator-1", "missing", nil); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkRead_SelectedMessagesAndSenderNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1 := f.send(t, "brand-1", "creator-1", "1")
	f.send(t, "brand-1", "creator-1", "2")
	f.send(t, "brand-1", "creator-1", "3")
	convID := m1.Conversation.ID

	// The sender cannot flip the receiver's messages.
	res, err := f.msgs.MarkRead(ctx, "brand-1", convID, nil)
	if err != nil || res.Count != 0 {
		t.Fatalf("sender MarkRead: count=%d err=%v", res.Count, err)
	}

	res, err = f.msgs.MarkRead(ctx, "creator-1", convID, []string{m1.Message.ID})
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if res.Count != 1 || res.Remaining != 2 {
		t.Fatalf("res=%+v", res)
	}

	conv, _ := f.store.GetConversation(ctx, convID)
	if conv.UnreadFor("creator-1") != 2 {
		t.Fatalf("unread=%d want 2", conv.UnreadFor("creator-1"))
	}
}

func TestMarkSingleRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "brand-1", "creator-1", "1")

	if _, err := f.msgs.MarkSingleRead(ctx, "brand-1", res.Message.ID); !IsForbidden(err) {
		t.Fatalf("sender: expected forbidden, got %v", err)
	}
	if _, err := f.msgs.MarkSingleRead(ctx, "creator-1", "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	out, err := f.msgs.MarkSingleRead(ctx, "creator-1", res.Message.ID)
	if err != nil {
		t.Fatalf("MarkSingleRead: %v", err)
	}
	if out.Count != 1 || out.OtherID != "brand-1" {
		t.Fatalf("out=%+v", out)
	}

	out, err = f.msgs.MarkSingleRead(ctx, "creator-1", res.Message.ID)
	if err != nil || out.Count != 0 {
		t.Fatalf("repeat: count=%d err=%v", out.Count, err)
	}
}

func TestRebuildUnreadCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.send(t, "brand-1", "creator-1", "1")
	f.send(t, "brand-1", "creator-1", "2")

	f.store.mu.Lock()
	f.store.convs[res.Conversation.ID].conv.UnreadCounts["creator-1"] = 0
	f.store.mu.Unlock()

	counts, err := f.msgs.RebuildUnreadCounts(ctx, res.Conversation.ID)
	if err != nil {
		t.Fatalf("RebuildUnreadCounts: %v", err)
	}
	if counts["creator-1"] != 2 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestInbox_LiveUnreadPerCounterpart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, "creator-1", "brand-1", "pitch")
	f.send(t, "creator-2", "brand-1", "pitch 2")
	f.send(t, "creator-2", "brand-1", "follow up")

	inbox, err := f.msgs.Inbox(ctx, "brand-1")
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 2 {
		t.Fatalf("len=%d", len(inbox))
	}
	if inbox[0].Counterpart.ID != "creator-2" || inbox[0].UnreadCount != 2 || inbox[0].LastMessage.Content != "follow up" {
		t.Fatalf("first=%+v", inbox[0])
	}
	if inbox[1].Counterpart.DisplayName != "Cleo" || inbox[1].UnreadCount != 1 {
		t.Fatalf("second=%+v", inbox[1])
	}
}

// staleStore fails the summary half of every append, the way the Mongo
// store reports a lost second write.
type staleStore struct {
	*InMemoryStore
	mu       sync.Mutex
	recounts int
}

func (s *staleStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	res, err := s.InMemoryStore.AppendMessage(ctx, in)
	if err != nil {
		return res, err
	}
	return res, OpError{Op: "test.AppendMessage", Kind: ErrSummaryStale, Err: errors.New("write timeout")}
}

func (s *staleStore) RecountUnread(ctx context.Context, id string) (map[string]int, error) {
	s.mu.Lock()
	s.recounts++
	s.mu.Unlock()
	return s.InMemoryStore.RecountUnread(ctx, id)
}

func TestSend_SummaryStaleIsReportedAndRepaired(t *testing.T) {
	var stale *staleStore
	f := newFixtureWithStore(t, NewInMemoryStore(), func(s Store) Store {
		stale = &staleStore{InMemoryStore: s.(*InMemoryStore)}
		return stale
	})
	ctx := context.Background()

	_, err := f.msgs.Send(ctx, SendInput{SenderID: "brand-1", ReceiverID: "creator-1", Content: "hi"})
	if !IsSummaryStale(err) {
		t.Fatalf("expected summary stale, got %v", err)
	}
	if stale.recounts != 1 {
		t.Fatalf("recounts=%d want 1", stale.recounts)
	}

	// The message is durable.
	msgs, _ := f.store.ListMessagesBetween(ctx, "brand-1", "creator-1")
	if len(msgs) != 1 {
		t.Fatalf("messages=%d want 1", len(msgs))
	}
	if len(f.pub.types()) != 0 {
		t.Fatalf("event published for a failed send")
	}
}
