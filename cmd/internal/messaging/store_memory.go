package messaging

import (
	"context"
	"slices"
	"sync"
	"time"

	"inbox/cmd/identity/ids"
)

// InMemoryStore is the dev/test Store. One mutex serializes every operation,
// which makes summary updates trivially atomic with message writes.
type InMemoryStore struct {
	mu sync.Mutex

	convs  map[string]*memConv
	active map[string]string // pair key -> conversation id
	msgs   map[string]*Message
}

type memConv struct {
	conv Conversation
	seq  int64
	msgs []*Message // append order == (SentAt, Seq) order
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs:  make(map[string]*memConv),
		active: make(map[string]string),
		msgs:   make(map[string]*Message),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "messaging.InMemoryStore.CreateConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	if err := validateConversationInput(op, in); err != nil {
		return Conversation{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := PairKey(in.Participants[0], in.Participants[1])
	if _, ok := s.active[key]; ok {
		return Conversation{}, OpError{Op: op, Kind: ErrConflict, Msg: "active conversation exists"}
	}
	if _, ok := s.convs[in.ID]; ok {
		return Conversation{}, OpError{Op: op, Kind: ErrConflict, Msg: "duplicate conversation id"}
	}

	c := &memConv{conv: Conversation{
		ID:            in.ID,
		Participants:  in.Participants,
		LastMessageAt: now,
		UnreadCounts:  map[string]int{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}}
	s.convs[in.ID] = c
	s.active[key] = in.ID
	return c.conv.Clone(), nil
}

func (s *InMemoryStore) FindActiveConversation(ctx context.Context, a, b string) (Conversation, error) {
	const op = "messaging.InMemoryStore.FindActiveConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[PairKey(a, b)]
	if !ok {
		return Conversation{}, notFound(op, "conversation")
	}
	return s.convs[id].conv.Clone(), nil
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "messaging.InMemoryStore.GetConversation"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, notFound(op, "conversation")
	}
	return c.conv.Clone(), nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, 0, 8)
	for _, c := range s.convs {
		if c.conv.HasParticipant(userID) && !c.conv.IsDeletedFor(userID) {
			out = append(out, c.conv.Clone())
		}
	}
	sortConversations(out)
	return out, nil
}

func (s *InMemoryStore) SetArchived(ctx context.Context, conversationID, userID string, archived bool) (Conversation, error) {
	const op = "messaging.InMemoryStore.SetArchived"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, notFound(op, "conversation")
	}
	c.conv.ArchivedBy = setMember(c.conv.ArchivedBy, userID, archived)
	c.conv.UpdatedAt = time.Now().UTC()
	return c.conv.Clone(), nil
}

func (s *InMemoryStore) SetDeleted(ctx context.Context, conversationID, userID string, deleted bool) (Conversation, error) {
	const op = "messaging.InMemoryStore.SetDeleted"

	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return Conversation{}, notFound(op, "conversation")
	}

	key := c.conv.PairKey()
	wasActive := c.conv.Active()
	next := setMember(c.conv.DeletedFor, userID, deleted)

	after := c.conv
	after.DeletedFor = next
	switch {
	case wasActive && !after.Active():
		delete(s.active, key)
	case !wasActive && after.Active():
		if owner, taken := s.active[key]; taken && owner != c.conv.ID {
			return Conversation{}, OpError{Op: op, Kind: ErrConflict, Msg: "active conversation exists"}
		}
		s.active[key] = c.conv.ID
	}

	c.conv.DeletedFor = next
	c.conv.UpdatedAt = time.Now().UTC()
	return c.conv.Clone(), nil
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.InMemoryStore.AppendMessage"

	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	if err := validateAppendInput(op, in); err != nil {
		return AppendMessageResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return AppendMessageResult{}, notFound(op, "conversation")
	}
	if !pairMatches(c.conv, in.SenderID, in.ReceiverID) {
		return AppendMessageResult{}, invalid(op, "sender and receiver must be the conversation pair")
	}

	sentAt := clampSentAt(in.Now, c.conv.LastMessageAt)
	id, err := ids.NewULID(sentAt)
	if err != nil {
		return AppendMessageResult{}, err
	}

	c.seq++
	m := &Message{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            c.seq,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		Attachments:    slices.Clone(in.Attachments),
		Type:           in.Type,
		SentAt:         sentAt,
	}
	c.msgs = append(c.msgs, m)
	s.msgs[id] = m

	c.conv.LastMessage = Preview(in.Content, in.Type)
	c.conv.LastMessageAt = sentAt
	c.conv.UnreadCounts[in.ReceiverID]++
	c.conv.DeletedFor = setMember(c.conv.DeletedFor, in.ReceiverID, false)
	c.conv.UpdatedAt = sentAt

	return AppendMessageResult{Message: cloneMessage(m), Conversation: c.conv.Clone()}, nil
}

func (s *InMemoryStore) GetMessage(ctx context.Context, id string) (Message, error) {
	const op = "messaging.InMemoryStore.GetMessage"

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.msgs[id]
	if !ok {
		return Message{}, notFound(op, "message")
	}
	return cloneMessage(m), nil
}

func (s *InMemoryStore) ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return []Message{}, nil
	}
	out := make([]Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *InMemoryStore) ListMessagesBetween(ctx context.Context, a, b string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, 0, 16)
	for _, m := range s.msgs {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			out = append(out, cloneMessage(m))
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *InMemoryStore) MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	const op = "messaging.InMemoryStore.MarkRead"

	if err := ctx.Err(); err != nil {
		return MarkReadResult{}, err
	}
	if in.ConversationID == "" || in.ReaderID == "" {
		return MarkReadResult{}, invalid(op, "missing conversation or reader")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[in.ConversationID]
	if !ok {
		return MarkReadResult{}, notFound(op, "conversation")
	}

	only := idSet(in.MessageIDs)
	var res MarkReadResult
	for _, m := range c.msgs {
		if m.ReceiverID != in.ReaderID || m.IsRead {
			continue
		}
		if only != nil {
			if _, ok := only[m.ID]; !ok {
				res.Remaining++
				continue
			}
		}
		m.IsRead = true
		res.Count++
	}

	c.conv.UnreadCounts[in.ReaderID] = res.Remaining
	c.conv.UpdatedAt = time.Now().UTC()
	return res, nil
}

func (s *InMemoryStore) RecountUnread(ctx context.Context, conversationID string) (map[string]int, error) {
	const op = "messaging.InMemoryStore.RecountUnread"

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[conversationID]
	if !ok {
		return nil, notFound(op, "conversation")
	}

	counts := map[string]int{}
	for _, m := range c.msgs {
		if !m.IsRead {
			counts[m.ReceiverID]++
		}
	}
	c.conv.UnreadCounts = counts

	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out, nil
}

func (s *InMemoryStore) CounterpartSummaries(ctx context.Context, userID string) ([]CounterpartSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byUser := make(map[string]*CounterpartSummary)
	for _, m := range s.msgs {
		var other string
		switch userID {
		case m.SenderID:
			other = m.ReceiverID
		case m.ReceiverID:
			other = m.SenderID
		default:
			continue
		}

		sum := byUser[other]
		if sum == nil {
			sum = &CounterpartSummary{UserID: other, LastMessage: cloneMessage(m)}
			byUser[other] = sum
		} else if laterThan(*m, sum.LastMessage) {
			sum.LastMessage = cloneMessage(m)
		}
		if m.ReceiverID == userID && !m.IsRead {
			sum.UnreadCount++
		}
	}

	out := make([]CounterpartSummary, 0, len(byUser))
	for _, sum := range byUser {
		out = append(out, *sum)
	}
	sortSummaries(out)
	return out, nil
}

func laterThan(a, b Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.After(b.SentAt)
	}
	if a.ConversationID == b.ConversationID {
		return a.Seq > b.Seq
	}
	return a.ID > b.ID
}

func sortSummaries(out []CounterpartSummary) {
	slices.SortStableFunc(out, func(a, b CounterpartSummary) int {
		switch {
		case laterThan(a.LastMessage, b.LastMessage):
			return -1
		case laterThan(b.LastMessage, a.LastMessage):
			return 1
		default:
			return 0
		}
	})
}

func setMember(set []string, id string, present bool) []string {
	has := slices.Contains(set, id)
	switch {
	case present && !has:
		return append(slices.Clone(set), id)
	case !present && has:
		return slices.DeleteFunc(slices.Clone(set), func(s string) bool { return s == id })
	default:
		return set
	}
}

func cloneMessage(m *Message) Message {
	out := *m
	out.Attachments = slices.Clone(m.Attachments)
	if out.Attachments == nil {
		out.Attachments = []string{}
	}
	return out
}

var _ Store = (*InMemoryStore)(nil)
