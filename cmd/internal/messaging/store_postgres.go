package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"inbox/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Message appends and read transitions for one conversation are serialized by a
//     transactional advisory lock, so seq allocation and SentAt clamping never race.
//   - The message row and the summary update commit in the same transaction.
//   - Unread counters are updated with jsonb_set on the single participant key.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "inbox").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("messaging: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("messaging: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "inbox",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("messaging: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema, tables and indexes when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[2]s (
  id              TEXT PRIMARY KEY,
  participant_a   TEXT NOT NULL,
  participant_b   TEXT NOT NULL,
  pair_key        TEXT NOT NULL,
  last_message    TEXT NOT NULL DEFAULT '',
  last_message_at TIMESTAMPTZ NOT NULL,
  unread_counts   JSONB NOT NULL DEFAULT '{}'::jsonb,
  archived_by     TEXT[] NOT NULL DEFAULT '{}',
  deleted_for     TEXT[] NOT NULL DEFAULT '{}',
  next_seq        BIGINT NOT NULL DEFAULT 1,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),

  CONSTRAINT chk_conversations_distinct_participants CHECK (participant_a <> participant_b)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_active_pair
  ON %[2]s (pair_key) WHERE cardinality(deleted_for) < 2;

CREATE INDEX IF NOT EXISTS idx_conversations_participant_a
  ON %[2]s (participant_a, last_message_at DESC);

CREATE INDEX IF NOT EXISTS idx_conversations_participant_b
  ON %[2]s (participant_b, last_message_at DESC);

CREATE TABLE IF NOT EXISTS %[3]s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %[2]s(id),
  seq             BIGINT NOT NULL,
  sender_id       TEXT NOT NULL,
  receiver_id     TEXT NOT NULL,
  content         TEXT NOT NULL DEFAULT '',
  attachments     TEXT[] NOT NULL DEFAULT '{}',
  type            TEXT NOT NULL CHECK (type IN ('text', 'image', 'file', 'system')),
  is_read         BOOLEAN NOT NULL DEFAULT false,
  sent_at         TIMESTAMPTZ NOT NULL,
  read_at         TIMESTAMPTZ,

  CONSTRAINT uq_messages_conversation_seq UNIQUE (conversation_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_order
  ON %[3]s (conversation_id, sent_at, seq);

CREATE INDEX IF NOT EXISTS idx_messages_unread
  ON %[3]s (conversation_id, receiver_id) WHERE NOT is_read;

CREATE INDEX IF NOT EXISTS idx_messages_pair
  ON %[3]s (sender_id, receiver_id, sent_at);
`, pgx.Identifier{s.schema}.Sanitize(), conversations, messages)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const conversationColumns = `id, participant_a, participant_b, last_message, last_message_at,
       unread_counts, archived_by, deleted_for, created_at, updated_at`

const messageColumns = `id, conversation_id, seq, sender_id, receiver_id, content,
       attachments, type, is_read, sent_at`

func (s *PostgresStore) CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error) {
	const op = "messaging.PostgresStore.CreateConversation"

	if err := validateConversationInput(op, in); err != nil {
		return Conversation{}, err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+pgIdent(s.schema, "conversations")+` (
		     id, participant_a, participant_b, pair_key, last_message_at, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $5, $5)
		 RETURNING `+conversationColumns,
		in.ID, in.Participants[0], in.Participants[1], PairKey(in.Participants[0], in.Participants[1]), now,
	)
	c, err := scanConversation(row)
	if err != nil {
		if pgIsUniqueViolation(err) {
			return Conversation{}, OpError{Op: op, Kind: ErrConflict, Msg: "active conversation exists"}
		}
		return Conversation{}, err
	}
	return c, nil
}

func (s *PostgresStore) FindActiveConversation(ctx context.Context, a, b string) (Conversation, error) {
	const op = "messaging.PostgresStore.FindActiveConversation"

	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE pair_key = $1 AND cardinality(deleted_for) < 2`,
		PairKey(a, b),
	)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation")
	}
	return c, err
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	const op = "messaging.PostgresStore.GetConversation"

	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM `+pgIdent(s.schema, "conversations")+` WHERE id = $1`,
		id,
	)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation")
	}
	return c, err
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		   FROM `+pgIdent(s.schema, "conversations")+`
		  WHERE (participant_a = $1 OR participant_b = $1)
		    AND NOT ($1 = ANY(deleted_for))
		  ORDER BY last_message_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conversation, 0, 16)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetArchived(ctx context.Context, conversationID, userID string, archived bool) (Conversation, error) {
	const op = "messaging.PostgresStore.SetArchived"
	return s.updateMembership(ctx, op, "archived_by", conversationID, userID, archived)
}

func (s *PostgresStore) SetDeleted(ctx context.Context, conversationID, userID string, deleted bool) (Conversation, error) {
	const op = "messaging.PostgresStore.SetDeleted"
	return s.updateMembership(ctx, op, "deleted_for", conversationID, userID, deleted)
}

// updateMembership adds or removes userID from one of the per-participant array
// columns without touching the rest of the row.
func (s *PostgresStore) updateMembership(ctx context.Context, op, column, conversationID, userID string, present bool) (Conversation, error) {
	col := pgx.Identifier{column}.Sanitize()
	row := s.pool.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+`
		    SET `+col+` = CASE
		          WHEN $3 AND NOT ($2 = ANY(`+col+`)) THEN array_append(`+col+`, $2)
		          WHEN NOT $3 THEN array_remove(`+col+`, $2)
		          ELSE `+col+`
		        END,
		        updated_at = now()
		  WHERE id = $1
		RETURNING `+conversationColumns,
		conversationID, userID, present,
	)
	c, err := scanConversation(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Conversation{}, notFound(op, "conversation")
	case pgIsUniqueViolation(err):
		return Conversation{}, OpError{Op: op, Kind: ErrConflict, Msg: "active conversation exists"}
	}
	return c, err
}

func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	const op = "messaging.PostgresStore.AppendMessage"

	if err := validateAppendInput(op, in); err != nil {
		return AppendMessageResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var (
		a, b   string
		lastAt time.Time
		seq    int64
	)
	err = tx.QueryRow(ctx,
		`SELECT participant_a, participant_b, last_message_at, next_seq
		   FROM `+conversations+`
		  WHERE id = $1
		  FOR UPDATE`,
		in.ConversationID,
	).Scan(&a, &b, &lastAt, &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, notFound(op, "conversation")
	}
	if err != nil {
		return AppendMessageResult{}, err
	}
	if !pairMatches(Conversation{Participants: [2]string{a, b}}, in.SenderID, in.ReceiverID) {
		return AppendMessageResult{}, invalid(op, "sender and receiver must be the conversation pair")
	}

	sentAt := clampSentAt(in.Now, lastAt).Truncate(time.Microsecond)
	id, err := ids.NewULID(sentAt)
	if err != nil {
		return AppendMessageResult{}, err
	}
	attachments := in.Attachments
	if attachments == nil {
		attachments = []string{}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "messages")+` (
		     id, conversation_id, seq, sender_id, receiver_id, content, attachments, type, sent_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, in.ConversationID, seq, in.SenderID, in.ReceiverID, in.Content, attachments, string(in.Type), sentAt,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	conv, err := scanConversation(tx.QueryRow(ctx,
		`UPDATE `+conversations+`
		    SET next_seq        = next_seq + 1,
		        last_message    = $2,
		        last_message_at = $3,
		        unread_counts   = jsonb_set(unread_counts, ARRAY[$4::text],
		                            to_jsonb(COALESCE((unread_counts->>$4::text)::int, 0) + 1)),
		        deleted_for     = array_remove(deleted_for, $4::text),
		        updated_at      = $3
		  WHERE id = $1
		RETURNING `+conversationColumns,
		in.ConversationID, Preview(in.Content, in.Type), sentAt, in.ReceiverID,
	))
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("update summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}

	return AppendMessageResult{
		Message: Message{
			ID:             id,
			ConversationID: in.ConversationID,
			Seq:            seq,
			SenderID:       in.SenderID,
			ReceiverID:     in.ReceiverID,
			Content:        in.Content,
			Attachments:    attachments,
			Type:           in.Type,
			SentAt:         sentAt,
		},
		Conversation: conv,
	}, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	const op = "messaging.PostgresStore.GetMessage"

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+pgIdent(s.schema, "messages")+` WHERE id = $1`,
		id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, notFound(op, "message")
	}
	return m, err
}

func (s *PostgresStore) ListConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE conversation_id = $1
		  ORDER BY sent_at ASC, seq ASC`,
		conversationID,
	)
}

func (s *PostgresStore) ListMessagesBetween(ctx context.Context, a, b string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+`
		   FROM `+pgIdent(s.schema, "messages")+`
		  WHERE (sender_id = $1 AND receiver_id = $2)
		     OR (sender_id = $2 AND receiver_id = $1)
		  ORDER BY sent_at ASC, seq ASC, id ASC`,
		a, b,
	)
}

func (s *PostgresStore) MarkRead(ctx context.Context, in MarkReadInput) (MarkReadResult, error) {
	const op = "messaging.PostgresStore.MarkRead"

	if in.ConversationID == "" || in.ReaderID == "" {
		return MarkReadResult{}, invalid(op, "missing conversation or reader")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return MarkReadResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return MarkReadResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+conversations+` WHERE id = $1)`,
		in.ConversationID,
	).Scan(&exists); err != nil {
		return MarkReadResult{}, err
	}
	if !exists {
		return MarkReadResult{}, notFound(op, "conversation")
	}

	var tag pgconn.CommandTag
	if len(in.MessageIDs) == 0 {
		tag, err = tx.Exec(ctx,
			`UPDATE `+messages+`
			    SET is_read = true, read_at = $3
			  WHERE conversation_id = $1 AND receiver_id = $2 AND NOT is_read`,
			in.ConversationID, in.ReaderID, now,
		)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE `+messages+`
			    SET is_read = true, read_at = $3
			  WHERE conversation_id = $1 AND receiver_id = $2 AND NOT is_read
			    AND id = ANY($4)`,
			in.ConversationID, in.ReaderID, now, in.MessageIDs,
		)
	}
	if err != nil {
		return MarkReadResult{}, err
	}

	var remaining int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM `+messages+`
		  WHERE conversation_id = $1 AND receiver_id = $2 AND NOT is_read`,
		in.ConversationID, in.ReaderID,
	).Scan(&remaining); err != nil {
		return MarkReadResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+conversations+`
		    SET unread_counts = jsonb_set(unread_counts, ARRAY[$2::text], to_jsonb($3::int)),
		        updated_at    = $4
		  WHERE id = $1`,
		in.ConversationID, in.ReaderID, remaining, now,
	); err != nil {
		return MarkReadResult{}, fmt.Errorf("update summary: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return MarkReadResult{}, err
	}
	return MarkReadResult{Count: int(tag.RowsAffected()), Remaining: remaining}, nil
}

func (s *PostgresStore) RecountUnread(ctx context.Context, conversationID string) (map[string]int, error) {
	const op = "messaging.PostgresStore.RecountUnread"

	var counts map[string]int
	err := s.pool.QueryRow(ctx,
		`UPDATE `+pgIdent(s.schema, "conversations")+` c
		    SET unread_counts = COALESCE((
		          SELECT jsonb_object_agg(u.receiver_id, u.n)
		            FROM (SELECT receiver_id, count(*) AS n
		                    FROM `+pgIdent(s.schema, "messages")+`
		                   WHERE conversation_id = c.id AND NOT is_read
		                   GROUP BY receiver_id) u
		        ), '{}'::jsonb),
		        updated_at = now()
		  WHERE c.id = $1
		RETURNING c.unread_counts`,
		conversationID,
	).Scan(&counts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(op, "conversation")
	}
	if err != nil {
		return nil, err
	}
	if counts == nil {
		counts = map[string]int{}
	}
	return counts, nil
}

func (s *PostgresStore) CounterpartSummaries(ctx context.Context, userID string) ([]CounterpartSummary, error) {
	rows, err := s.pool.Query(ctx,
		`WITH mine AS (
		   SELECT `+messageColumns+`,
		          CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS counterpart
		     FROM `+pgIdent(s.schema, "messages")+`
		    WHERE sender_id = $1 OR receiver_id = $1
		 ), unread AS (
		   SELECT counterpart, count(*) AS n
		     FROM mine
		    WHERE receiver_id = $1 AND NOT is_read
		    GROUP BY counterpart
		 ), latest AS (
		   SELECT DISTINCT ON (counterpart) *
		     FROM mine
		    ORDER BY counterpart, sent_at DESC, seq DESC, id DESC
		 )
		 SELECT l.id, l.conversation_id, l.seq, l.sender_id, l.receiver_id, l.content,
		        l.attachments, l.type, l.is_read, l.sent_at,
		        l.counterpart, COALESCE(u.n, 0)
		   FROM latest l
		   LEFT JOIN unread u ON u.counterpart = l.counterpart
		  ORDER BY l.sent_at DESC, l.id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]CounterpartSummary, 0, 16)
	for rows.Next() {
		var (
			sum CounterpartSummary
			typ string
		)
		m := &sum.LastMessage
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.ReceiverID, &m.Content,
			&m.Attachments, &typ, &m.IsRead, &m.SentAt,
			&sum.UserID, &sum.UnreadCount,
		); err != nil {
			return nil, err
		}
		m.Type = MessageType(typ)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) queryMessages(ctx context.Context, sql string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID,
		&c.Participants[0],
		&c.Participants[1],
		&c.LastMessage,
		&c.LastMessageAt,
		&c.UnreadCounts,
		&c.ArchivedBy,
		&c.DeletedFor,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, err
	}
	if c.UnreadCounts == nil {
		c.UnreadCounts = map[string]int{}
	}
	return c, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m   Message
		typ string
	)
	if err := row.Scan(
		&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.ReceiverID, &m.Content,
		&m.Attachments, &typ, &m.IsRead, &m.SentAt,
	); err != nil {
		return Message{}, err
	}
	m.Type = MessageType(typ)
	if m.Attachments == nil {
		m.Attachments = []string{}
	}
	return m, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" // unique_violation
}

var _ Store = (*PostgresStore)(nil)
