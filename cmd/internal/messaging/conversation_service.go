package messaging

import (
	"context"
	"log/slog"

	"inbox/cmd/identity"
	"inbox/cmd/identity/ids"
)

// createOrGetAttempts bounds retries after losing a create race on the pair index.
const createOrGetAttempts = 3

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	Conversation Conversation
	Counterpart  identity.User
	UnreadCount  int
	IsArchived   bool
}

// ConversationDetail is a single conversation with its messages in display order.
type ConversationDetail struct {
	ConversationView
	Messages []Message
}

// ConversationService owns conversation lifecycle and per-participant visibility.
type ConversationService struct {
	log   *slog.Logger
	store Store
	users identity.Directory
	opts  serviceOptions
}

func NewConversationService(log *slog.Logger, store Store, users identity.Directory, opts ...Option) *ConversationService {
	return &ConversationService{
		log:   orDefaultLogger(log),
		store: store,
		users: users,
		opts:  buildOptions(opts),
	}
}

// CreateOrGet returns the active conversation of the pair or creates one.
// A conversation the requester or the other user had deleted is restored for
// both instead of being duplicated. created reports whether a new row exists.
func (s *ConversationService) CreateOrGet(ctx context.Context, requesterID, otherUserID string) (ConversationView, bool, error) {
	const op = "messaging.ConversationService.CreateOrGet"

	requesterID = identity.NormalizeUserID(requesterID)
	otherUserID = identity.NormalizeUserID(otherUserID)
	switch {
	case requesterID == "":
		return ConversationView{}, false, invalid(op, "missing requester")
	case otherUserID == "":
		return ConversationView{}, false, invalid(op, "otherUserId is required")
	case requesterID == otherUserID:
		return ConversationView{}, false, invalid(op, "cannot start a conversation with yourself")
	}

	other, err := lookupUser(ctx, s.users, op, otherUserID)
	if err != nil {
		return ConversationView{}, false, err
	}

	conv, created, err := s.resolvePair(ctx, op, requesterID, otherUserID)
	if err != nil {
		return ConversationView{}, false, err
	}

	if created {
		s.log.Info("conversation.create",
			"conversation_id", conv.ID,
			"requester_id", requesterID,
			"other_id", otherUserID,
		)
	}
	return viewFor(conv, requesterID, other), created, nil
}

// resolvePair finds or creates the active conversation of the pair and makes
// it visible to both participants.
func (s *ConversationService) resolvePair(ctx context.Context, op, requesterID, otherUserID string) (Conversation, bool, error) {
	for attempt := 0; attempt < createOrGetAttempts; attempt++ {
		conv, err := s.store.FindActiveConversation(ctx, requesterID, otherUserID)
		switch {
		case err == nil:
			for _, uid := range []string{requesterID, otherUserID} {
				if !conv.IsDeletedFor(uid) {
					continue
				}
				if conv, err = s.store.SetDeleted(ctx, conv.ID, uid, false); err != nil {
					return Conversation{}, false, err
				}
				s.log.Info("conversation.restore", "conversation_id", conv.ID, "user_id", uid)
			}
			return conv, false, nil

		case !IsNotFound(err):
			return Conversation{}, false, err
		}

		now := s.opts.now()
		id, err := ids.NewULID(now)
		if err != nil {
			return Conversation{}, false, err
		}
		conv, err = s.store.CreateConversation(ctx, CreateConversationInput{
			ID:           id,
			Participants: [2]string{requesterID, otherUserID},
			Now:          now,
		})
		if err == nil {
			return conv, true, nil
		}
		if !IsConflict(err) {
			return Conversation{}, false, err
		}
		s.log.Debug("conversation.create.conflict", "attempt", attempt+1, "requester_id", requesterID, "other_id", otherUserID)
	}
	return Conversation{}, false, OpError{Op: op, Kind: ErrConflict, Msg: "could not resolve conversation"}
}

// List returns the requester's visible conversations, most recent first.
func (s *ConversationService) List(ctx context.Context, requesterID string) ([]ConversationView, error) {
	const op = "messaging.ConversationService.List"

	if requesterID == "" {
		return nil, invalid(op, "missing requester")
	}
	convs, err := s.store.ListConversations(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	sortConversations(convs)

	cache := make(map[string]identity.User, len(convs))
	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		otherID := c.Other(requesterID)
		other, ok := cache[otherID]
		if !ok {
			other = s.counterpart(ctx, op, otherID)
			cache[otherID] = other
		}
		out = append(out, viewFor(c, requesterID, other))
	}
	return out, nil
}

// Get returns one conversation with its messages in ascending order.
// Conversations the requester is not part of, or deleted, are reported as not found.
func (s *ConversationService) Get(ctx context.Context, requesterID, conversationID string) (ConversationDetail, error) {
	const op = "messaging.ConversationService.Get"

	conv, err := s.visible(ctx, op, requesterID, conversationID)
	if err != nil {
		return ConversationDetail{}, err
	}
	msgs, err := s.store.ListConversationMessages(ctx, conv.ID)
	if err != nil {
		return ConversationDetail{}, err
	}
	sortMessages(msgs)

	other := s.counterpart(ctx, op, conv.Other(requesterID))
	return ConversationDetail{ConversationView: viewFor(conv, requesterID, other), Messages: msgs}, nil
}

// Archive adds or removes the requester from archivedBy. Repeating the call is a no-op.
func (s *ConversationService) Archive(ctx context.Context, requesterID, conversationID string, archive bool) (ConversationView, error) {
	const op = "messaging.ConversationService.Archive"

	conv, err := s.visible(ctx, op, requesterID, conversationID)
	if err != nil {
		return ConversationView{}, err
	}
	if conv.IsArchivedBy(requesterID) != archive {
		if conv, err = s.store.SetArchived(ctx, conv.ID, requesterID, archive); err != nil {
			return ConversationView{}, err
		}
		s.log.Info("conversation.archive", "conversation_id", conv.ID, "user_id", requesterID, "archived", archive)
	}
	other := s.counterpart(ctx, op, conv.Other(requesterID))
	return viewFor(conv, requesterID, other), nil
}

// SoftDelete hides the conversation for the requester only. Messages are kept
// and the other participant's view is unchanged.
func (s *ConversationService) SoftDelete(ctx context.Context, requesterID, conversationID string) error {
	const op = "messaging.ConversationService.SoftDelete"

	conv, err := s.participantOf(ctx, op, requesterID, conversationID)
	if err != nil {
		return err
	}
	if conv.IsDeletedFor(requesterID) {
		return nil
	}
	if _, err := s.store.SetDeleted(ctx, conv.ID, requesterID, true); err != nil {
		return err
	}
	s.log.Info("conversation.delete", "conversation_id", conv.ID, "user_id", requesterID)
	return nil
}

// Authorize checks that userID participates in the conversation. It does not
// consult deletedFor: a participant who deleted a thread may still join its room.
func (s *ConversationService) Authorize(ctx context.Context, userID, conversationID string) (Conversation, error) {
	const op = "messaging.ConversationService.Authorize"

	if conversationID == "" {
		return Conversation{}, invalid(op, "conversationId is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(userID) {
		return Conversation{}, forbidden(op, "not a participant of this conversation")
	}
	return conv, nil
}

// participantOf loads a conversation the requester participates in. Non-members
// get NotFound so conversation ids are not disclosed.
func (s *ConversationService) participantOf(ctx context.Context, op, requesterID, conversationID string) (Conversation, error) {
	if requesterID == "" {
		return Conversation{}, invalid(op, "missing requester")
	}
	if conversationID == "" {
		return Conversation{}, invalid(op, "conversationId is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if !conv.HasParticipant(requesterID) {
		return Conversation{}, notFound(op, "conversation")
	}
	return conv, nil
}

func (s *ConversationService) visible(ctx context.Context, op, requesterID, conversationID string) (Conversation, error) {
	conv, err := s.participantOf(ctx, op, requesterID, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if conv.IsDeletedFor(requesterID) {
		return Conversation{}, notFound(op, "conversation")
	}
	return conv, nil
}

func (s *ConversationService) counterpart(ctx context.Context, op, id string) identity.User {
	u, err := lookupUser(ctx, s.users, op, id)
	if err != nil {
		s.log.Warn("conversation.counterpart.lookup_fail", "user_id", id, "err", err)
		return placeholderUser(id)
	}
	return u
}

func viewFor(c Conversation, requesterID string, other identity.User) ConversationView {
	return ConversationView{
		Conversation: c,
		Counterpart:  other,
		UnreadCount:  c.UnreadFor(requesterID),
		IsArchived:   c.IsArchivedBy(requesterID),
	}
}
