package messaging

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"inbox/cmd/identity/ids"
)

// Integration tests are enabled when INBOX_MONGO_URI is set.

func newMongoTestStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := strings.TrimSpace(os.Getenv("INBOX_MONGO_URI"))
	if uri == "" {
		t.Skip("integration test skipped: INBOX_MONGO_URI is not set")
	}

	client, err := ConnectMongo(context.Background(), uri)
	if err != nil {
		t.Fatalf("connect mongo: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("inbox_it_" + strings.ToLower(ids.MustULID(time.Time{})))
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	st, err := NewMongoStore(db)
	if err != nil {
		t.Fatalf("new mongo store: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.EnsureIndexes(ctx); err != nil {
		t.Fatalf("ensure indexes: %v", err)
	}
	return st
}

func TestMongoStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newMongoTestStore(t)
	})
}

func TestMongoStore_FailedInsertKeepsConversationOrder(t *testing.T) {
	st := newMongoTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	c := mustCreate(t, st, ids.MustULID(now), "brand-1", "creator-1", now)

	// Occupy seq 1 so the next append collides on uq_conversation_seq.
	if _, err := st.msgs.InsertOne(ctx, messageDoc{
		ID:             ids.MustULID(now),
		ConversationID: c.ID,
		Seq:            1,
		SenderID:       "brand-1",
		ReceiverID:     "creator-1",
		Content:        "occupied",
		Attachments:    []string{},
		Type:           string(TypeText),
		SentAt:         now,
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	_, err := st.AppendMessage(ctx, AppendMessageInput{
		ConversationID: c.ID, SenderID: "brand-1", ReceiverID: "creator-1",
		Content: "hello", Type: TypeText, Now: now.Add(time.Hour),
	})
	if err == nil {
		t.Fatalf("expected the insert to fail")
	}

	got, err := st.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if !got.LastMessageAt.Equal(c.LastMessageAt) {
		t.Fatalf("lastMessageAt moved to %v, want %v", got.LastMessageAt, c.LastMessageAt)
	}
	if got.LastMessage != c.LastMessage || got.UnreadFor("creator-1") != 0 {
		t.Fatalf("summary changed after failed append: %+v", got)
	}
}

func TestMongoStore_RejectsFieldPathUserIDs(t *testing.T) {
	for _, id := range []string{"", "a.b", "$where"} {
		if validMongoKey(id) {
			t.Fatalf("validMongoKey(%q)=true", id)
		}
	}
	if !validMongoKey("creator-1") {
		t.Fatalf("validMongoKey(creator-1)=false")
	}
}

func TestNewMongoStore_NilDatabase(t *testing.T) {
	if _, err := NewMongoStore(nil); err == nil {
		t.Fatalf("expected error for nil database")
	}
}
