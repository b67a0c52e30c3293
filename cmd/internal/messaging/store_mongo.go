package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"inbox/cmd/identity/ids"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore is a Store backed by MongoDB.
//
// Mongo has no cross-collection transaction on standalone servers, so
// AppendMessage and MarkRead write the message first and the conversation
// summary second. If the second write fails the call returns the durable
// result together with an ErrSummaryStale error; RecountUnread repairs it.
//
// Unread counters are only touched with $inc/$set on "unreadCounts.<user>",
// so concurrent writers never overwrite each other's counters.
type MongoStore struct {
	convs *mongo.Collection
	msgs  *mongo.Collection

	opTimeout time.Duration
}

// MongoOption configures MongoStore behavior.
type MongoOption func(*MongoStore)

// WithOpTimeout bounds each store call (default 5s).
func WithOpTimeout(d time.Duration) MongoOption {
	return func(s *MongoStore) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// NewMongoStore builds a store over db. The caller owns the client.
func NewMongoStore(db *mongo.Database, opts ...MongoOption) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("messaging: nil mongo database")
	}
	s := &MongoStore{
		convs:     db.Collection("conversations"),
		msgs:      db.Collection("messages"),
		opTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ConnectMongo dials uri and pings the primary.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func (s *MongoStore) Close() error { return nil }

// EnsureIndexes creates the indexes the store relies on, including the partial
// unique index that enforces one active conversation per pair.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.convs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "activePair", Value: 1}},
			Options: options.Index().
				SetName("uq_active_pair").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"activePair": bson.M{"$exists": true}}),
		},
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "lastMessageAt", Value: -1}},
			Options: options.Index().SetName("idx_participants_last"),
		},
	}); err != nil {
		return fmt.Errorf("conversation indexes: %w", err)
	}

	if _, err := s.msgs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("uq_conversation_seq").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "isRead", Value: 1}},
			Options: options.Index().SetName("idx_unread"),
		},
		{
			Keys:    bson.D{{Key: "senderId", Value: 1}, {Key: "receiverId", Value: 1}, {Key: "sentAt", Value: 1}},
			Options: options.Index().SetName("idx_pair"),
		},
	}); err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}
	return nil
}

type conversationDoc struct {
	ID           string   `bson:"_id"`
	Participants []string `bson:"participants"`
	PairKey      string   `bson:"pairKey"`
	// ActivePair is set while the conversation is active and backs the partial unique index.
	ActivePair *string `bson:"activePair,omitempty"`

	LastMessage   string         `bson:"lastMessage"`
	LastMessageAt time.Time      `bson:"lastMessageAt"`
	UnreadCounts  map[string]int `bson:"unreadCounts"`
	ArchivedBy    []string       `bson:"archivedBy"`
	DeletedFor    []string       `bson:"deletedFor"`
	NextSeq       int64          `bson:"nextSeq"`

	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

func (d conversationDoc) toDomain() Conversation {
	c := Conversation{
		ID:            d.ID,
		LastMessage:   d.LastMessage,
		LastMessageAt: d.LastMessageAt.UTC(),
		UnreadCounts:  d.UnreadCounts,
		ArchivedBy:    d.ArchivedBy,
		DeletedFor:    d.DeletedFor,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	copy(c.Participants[:], d.Participants)
	if c.UnreadCounts == nil {
		c.UnreadCounts = map[string]int{}
	}
	return c
}

type messageDoc struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversationId"`
	Seq            int64      `bson:"seq"`
	SenderID       string     `bson:"senderId"`
	ReceiverID     string     `bson:"receiverId"`
	Content        string     `bson:"content"`
	Attachments    []string   `bson:"attachments"`
	Type           string     `bson:"type"`
	IsRead         bool       `bson:"isRead"`
	SentAt         time.Time  `bson:"sentAt"`
	ReadAt         *time.Time `bson:"readAt,omitempty"`
}

func (d messageDoc) toDomain() Message {
	m := Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		Seq:            d.Seq,
		SenderID:       d.SenderID,
		ReceiverID:     d.ReceiverID,
		Content:        d.Content,
		Attachments:    d.Attachments,
		Type:           MessageType(d.Type),
		IsRead:         d.IsRead,
		SentAt:         d.SentAt.UTC(),
	}
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
	return m
}

// mongoTime matches the millisecond precision BSON dates store.
func mongoTime(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Millisecond)
}

// validMongoKey rejects user ids that cannot be used as a field-path segment.
func validMongoKey(id string) bool {
	return id != "" && !strings.Contains(id, ".") && !strings.HasPrefix(id, "$")
}

func (s *MongoStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "messaging.MongoStore.CreateConversation"

	if err := validateConversationInput(op, in); err != nil {
		return Conversation{}, err
	}
	if !validMongoKey(in.Participants[0]) || !validMongoKey(in.Participants[1]) {
		return Conversation{}, invalid(op, "invalid participant id")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	now := mongoTime(in.Now)
	key := PairKey(in.Participants[0], in.Participants[1])
	doc := conversationDoc{
		ID:            in.ID,
		Participants:  []string{in.Participants[0], in.Participants[1]},
		PairKey:       key,
		ActivePair:    &key,
		LastMessageAt: now,
		UnreadCounts:  map[string]int{},
		ArchivedBy:    []string{},
		DeletedFor:    []string{},
		NextSeq:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.convs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Conversation{}, OpError{Op: op, Kind: ErrConflict, Msg: "active conversation exists"}
		}
		return Conversation{}, err
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) FindActiveConversation(ctx context.Context, a, b string) (Conversation, error) {
	const op = "messaging.MongoStore.FindActiveConversation"
	return s.findConversation(ctx, op, bson.M{"activePair": PairKey(a, b)})
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "messaging.MongoStore.GetConversation"
	return s.findConversation(ctx, op, bson.M{"_id": id})
}

func (s *MongoStore) findConversation(ctx context.Context, op string, filter bson.M) (Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var doc conversationDoc
	if err := s.convs.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Conversation{}, notFound(op, "conversation")
		}
		return Conversation{}, err
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	cur, err := s.convs.Find(ctx,
		bson.M{"participants": userID, "deletedFor": bson.M{"$ne": userID}},
		options.Find().SetSort(bson.D{{Key: "lastMessageAt", Value: -1}, {Key: "_id", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []Conversation{}
	for cur.Next(ctx) {
		var doc conversationDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDomain())
	}
	return out, cur.Err()
}

func (s *MongoStore) SetArchived(ctx context.Context, conversationID, userID string, archived bool) (Conversation, error) {
	const op = "messaging.MongoStore.SetArchived"

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	operator := "$pull"
	if archived {
		operator = "$addToSet"
	}
	update := bson.M{
		operator: bson.M{"archivedBy": userID},
		"$set":   bson.M{"updatedAt": mongoTime(time.Time{})},
	}
	return s.updateConversation(ctx, op, conversationID, update)
}

// SetDeleted updates deletedFor and recomputes activePair in one pipeline
// update. Restoring a fully deleted conversation while the pair already has
// another active one fails on the unique index and maps to ErrConflict.
func (s *MongoStore) SetDeleted(ctx context.Context, conversationID, userID string, deleted bool) (Conversation, error) {
	const op = "messaging.MongoStore.SetDeleted"

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var members bson.M
	if deleted {
		members = bson.M{"$setUnion": bson.A{"$deletedFor", bson.A{userID}}}
	} else {
		members = bson.M{"$setDifference": bson.A{"$deletedFor", bson.A{userID}}}
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"deletedFor": members, "updatedAt": mongoTime(time.Time{})}}},
		{{Key: "$set", Value: bson.M{"activePair": bson.M{"$cond": bson.A{
			bson.M{"$gte": bson.A{bson.M{"$size": "$deletedFor"}, 2}},
			"$$REMOVE",
			"$pairKey",
		}}}}},
	}
	return s.updateConversation(ctx, op, conversationID, update)
}

func (s *MongoStore) updateConversation(ctx context.Context, op, id string, update any) (Conversation, error) {
	var doc conversationDoc
	err := s.convs.FindOneAndUpdate(ctx, bson.M{"_id": id}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return Conversation{}, notFound(op, "conversation")
	case mongo.IsDuplicateKeyError(err):
		return Conversation{}, OpError{Op: op, Kind: ErrConflict, Msg: "active conversation exists"}
	case err != nil:
		return Conversation{}, err
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.MongoStore.AppendMessage"

	if err := validateAppendInput(op, in); err != nil {
		return AppendMessageResult{}, err
	}
	if !validMongoKey(in.ReceiverID) {
		return AppendMessageResult{}, invalid(op, "invalid receiver id")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	now := mongoTime(in.Now)

	// Only the seq is claimed here. lastMessageAt moves with the summary update
	// once the message exists, so a failed insert leaves the ordering untouched.
	var before conversationDoc
	err := s.convs.FindOneAndUpdate(ctx,
		bson.M{"_id": in.ConversationID, "participants": bson.M{"$all": bson.A{in.SenderID, in.ReceiverID}}},
		bson.M{"$inc": bson.M{"nextSeq": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&before)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.GetConversation(ctx, in.ConversationID); gerr != nil {
			return AppendMessageResult{}, gerr
		}
		return AppendMessageResult{}, invalid(op, "sender and receiver must be the conversation pair")
	}
	if err != nil {
		return AppendMessageResult{}, err
	}

	sentAt := clampSentAt(now, before.LastMessageAt.UTC())
	id, err := ids.NewULID(sentAt)
	if err != nil {
		return AppendMessageResult{}, err
	}
	attachments := in.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	seq := before.NextSeq
	if seq == 0 {
		seq = 1
	}
	msg := messageDoc{
		ID:             id,
		ConversationID: in.ConversationID,
		Seq:            seq,
		SenderID:       in.SenderID,
		ReceiverID:     in.ReceiverID,
		Content:        in.Content,
		Attachments:    attachments,
		Type:           string(in.Type),
		SentAt:         sentAt,
	}
	if _, err := s.msgs.InsertOne(ctx, msg); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	res := AppendMessageResult{Message: msg.toDomain()}

	var after conversationDoc
	err = s.convs.FindOneAndUpdate(ctx,
		bson.M{"_id": in.ConversationID},
		bson.M{
			"$set":  bson.M{"lastMessage": Preview(in.Content, in.Type), "updatedAt": sentAt},
			"$max":  bson.M{"lastMessageAt": sentAt},
			"$inc":  bson.M{"unreadCounts." + in.ReceiverID: 1},
			"$pull": bson.M{"deletedFor": in.ReceiverID},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&after)
	if err != nil {
		res.Conversation = before.toDomain()
		return res, OpError{Op: op, Kind: ErrSummaryStale, Msg: "conversation summary not updated", Err: err}
	}
	res.Conversation = after.toDomain()
	return res, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (Message, error) {
	const op = "messaging.MongoStore.GetMessage"

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var doc messageDoc
	if err := s.msgs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Message{}, notFound(op, "message")
		}
		return Message{}, err
	}
	return doc.toDomain(), nil
}

func (s *MongoStore) ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.findMessages(ctx, bson.M{"conversationId": conversationID})
}

func (s *MongoStore) ListMessagesBetween(ctx context.Context, a, b string) ([]Message, error) {
	msgs, err := s.findMessages(ctx, bson.M{"$or": bson.A{
		bson.M{"senderId": a, "receiverId": b},
		bson.M{"senderId": b, "receiverId": a},
	}})
	if err != nil {
		return nil, err
	}
	// Seq only orders within one conversation.
	sortMessages(msgs)
	return msgs, nil
}

func (s *MongoStore) findMessages(ctx context.Context, filter bson.M) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	cur, err := s.msgs.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "sentAt", Value: 1}, {Key: "seq", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []Message{}
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDomain())
	}
	return out, cur.Err()
}

func (s *MongoStore) MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	const op = "messaging.MongoStore.MarkRead"

	if in.ConversationID == "" || in.ReaderID == "" {
		return MarkReadResult{}, invalid(op, "missing conversation or reader")
	}
	if !validMongoKey(in.ReaderID) {
		return MarkReadResult{}, invalid(op, "invalid reader id")
	}
	if _, err := s.GetConversation(ctx, in.ConversationID); err != nil {
		return MarkReadResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	now := mongoTime(in.Now)
	filter := bson.M{"conversationId": in.ConversationID, "receiverId": in.ReaderID, "isRead": false}
	if len(in.MessageIDs) > 0 {
		filter["_id"] = bson.M{"$in": in.MessageIDs}
	}
	upd, err := s.msgs.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"isRead": true, "readAt": now}})
	if err != nil {
		return MarkReadResult{}, err
	}

	res := MarkReadResult{Count: int(upd.ModifiedCount)}

	remaining, err := s.msgs.CountDocuments(ctx, bson.M{
		"conversationId": in.ConversationID, "receiverId": in.ReaderID, "isRead": false,
	})
	if err != nil {
		return res, OpError{Op: op, Kind: ErrSummaryStale, Msg: "unread counter not updated", Err: err}
	}
	res.Remaining = int(remaining)

	if _, err := s.convs.UpdateOne(ctx,
		bson.M{"_id": in.ConversationID},
		bson.M{"$set": bson.M{"unreadCounts." + in.ReaderID: res.Remaining, "updatedAt": now}},
	); err != nil {
		return res, OpError{Op: op, Kind: ErrSummaryStale, Msg: "unread counter not updated", Err: err}
	}
	return res, nil
}

func (s *MongoStore) RecountUnread(ctx context.Context, conversationID string) (map[string]int, error) {
	const op = "messaging.MongoStore.RecountUnread"

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	cur, err := s.msgs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"conversationId": conversationID, "isRead": false}}},
		{{Key: "$group", Value: bson.M{"_id": "$receiverId", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	counts := map[string]int{}
	for cur.Next(ctx) {
		var row struct {
			UserID string `bson:"_id"`
			N      int    `bson:"n"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		counts[row.UserID] = row.N
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	upd, err := s.convs.UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{"unreadCounts": counts, "updatedAt": mongoTime(time.Time{})}},
	)
	if err != nil {
		return nil, err
	}
	if upd.MatchedCount == 0 {
		return nil, notFound(op, "conversation")
	}
	return counts, nil
}

func (s *MongoStore) CounterpartSummaries(ctx context.Context, userID string) ([]CounterpartSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	cur, err := s.msgs.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": bson.A{bson.M{"senderId": userID}, bson.M{"receiverId": userID}}}}},
		{{Key: "$addFields", Value: bson.M{"counterpart": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$senderId", userID}}, "$receiverId", "$senderId",
		}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "sentAt", Value: -1}, {Key: "seq", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$group", Value: bson.M{
			"_id":  "$counterpart",
			"last": bson.M{"$first": "$$ROOT"},
			"unread": bson.M{"$sum": bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$receiverId", userID}},
					bson.M{"$eq": bson.A{"$isRead", false}},
				}},
				1, 0,
			}}},
		}}},
	})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []CounterpartSummary{}
	for cur.Next(ctx) {
		var row struct {
			UserID string     `bson:"_id"`
			Last   messageDoc `bson:"last"`
			Unread int        `bson:"unread"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out = append(out, CounterpartSummary{UserID: row.UserID, LastMessage: row.Last.toDomain(), UnreadCount: row.Unread})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

var _ Store = (*MongoStore)(nil)
