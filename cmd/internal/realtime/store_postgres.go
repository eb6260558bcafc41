// Package realtime contains chatline's connection registry, presence, typing and message
// lifecycle engine, the WebSocket gateway that drives them, and message persistence.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - Status updates lock the target rows (FOR UPDATE) and report the status each row had
//     before the update, so concurrent deliver/seen races resolve to one forward move.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatline").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chatline",
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
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const messageColumns = `id, sender_id, recipient_id, message, message_type, media_url, voice_duration,
	reply_to, status, reactions, created_at, edited_at, delivered_at, seen_at`

// Create inserts a message with status sent.
func (s *PostgresStore) Create(ctx context.Context, in NewMessage) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errors.New("realtime: nil store")
	}
	if in.SenderID <= 0 {
		return Message{}, fmt.Errorf("%w: missing sender", ErrInvalidInput)
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (
		     sender_id, recipient_id, message, message_type, media_url, voice_duration,
		     reply_to, status, reactions, created_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, 'sent', '[]'::jsonb, $8)
		RETURNING `+messageColumns,
		int64(in.SenderID), userIDArg(in.RecipientID), in.Body, string(in.Type), in.MediaRef,
		in.VoiceDuration, messageIDArg(in.ReplyTo), now,
	)
	m, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// Get returns the message with id.
func (s *PostgresStore) Get(ctx context.Context, id MessageID) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table()+` WHERE id = $1`,
		int64(id),
	)
	return notFound(scanMessage(row))
}

// UpdateBody rewrites the body and stamps edited_at.
func (s *PostgresStore) UpdateBody(ctx context.Context, id MessageID, body string, at time.Time) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET message = $2, edited_at = $3
		  WHERE id = $1
		RETURNING `+messageColumns,
		int64(id), body, at,
	)
	return notFound(scanMessage(row))
}

// UpdateStatus moves every matching row forward to "to" and reports the previous status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, ids []MessageID, to Status, filter StatusFilter, at time.Time) ([]StatusReceipt, error) {
	if to.Rank() == 0 {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	from := to.Before()
	if filter.From != "" {
		if !slices.Contains(from, filter.From) {
			return nil, nil
		}
		from = []Status{filter.From}
	}
	fromArg := make([]string, 0, len(from))
	for _, st := range from {
		fromArg = append(fromArg, string(st))
	}

	idArg := make([]int64, 0, len(ids))
	for _, id := range ids {
		idArg = append(idArg, int64(id))
	}

	var reader *int64
	if filter.Reader != nil {
		r := int64(*filter.Reader)
		reader = &r
	}

	messages := s.table()
	rows, err := s.pool.Query(ctx,
		`UPDATE `+messages+` m
		    SET status = $3::text,
		        delivered_at = COALESCE(m.delivered_at, $4),
		        seen_at = CASE WHEN $3::text = 'seen' THEN $4 ELSE m.seen_at END
		   FROM (SELECT id, status FROM `+messages+` WHERE id = ANY($1) FOR UPDATE) prev
		  WHERE m.id = prev.id
		    AND m.status = ANY($2)
		    AND ($5::bigint IS NULL OR (m.sender_id <> $5 AND (m.recipient_id IS NULL OR m.recipient_id = $5)))
		RETURNING m.id, m.sender_id, prev.status`,
		idArg, fromArg, string(to), at, reader,
	)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	defer rows.Close()

	var out []StatusReceipt
	for rows.Next() {
		var (
			id, sender int64
			prev       string
		)
		if err := rows.Scan(&id, &sender, &prev); err != nil {
			return nil, err
		}
		out = append(out, StatusReceipt{MessageID: MessageID(id), SenderID: UserID(sender), From: Status(prev)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ToggleReaction adds or removes (r.UserID, r.Emoji) in one statement. The row
// lock taken by UPDATE serializes concurrent toggles of the same message, and
// each one re-reads the list the previous one committed.
func (s *PostgresStore) ToggleReaction(ctx context.Context, id MessageID, r Reaction) ([]Reaction, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.table()+` m
		    SET reactions = CASE
		          WHEN EXISTS (
		            SELECT 1 FROM jsonb_array_elements(m.reactions) AS x(e)
		             WHERE (x.e->>'user_id')::bigint = $2 AND x.e->>'emoji' = $3)
		          THEN COALESCE((
		            SELECT jsonb_agg(x.e ORDER BY x.ord)
		              FROM jsonb_array_elements(m.reactions) WITH ORDINALITY AS x(e, ord)
		             WHERE NOT ((x.e->>'user_id')::bigint = $2 AND x.e->>'emoji' = $3)), '[]'::jsonb)
		          ELSE m.reactions || jsonb_build_array(
		            jsonb_build_object('user_id', $2::bigint, 'emoji', $3::text, 'username', $4::text))
		        END
		  WHERE m.id = $1
		RETURNING m.reactions`,
		int64(id), int64(r.UserID), r.Emoji, r.Username,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	var out []Reaction
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return out, nil
}

// Delete removes id and returns the removed row.
func (s *PostgresStore) Delete(ctx context.Context, id MessageID) (Message, error) {
	row := s.pool.QueryRow(ctx,
		`DELETE FROM `+s.table()+` WHERE id = $1 RETURNING `+messageColumns,
		int64(id),
	)
	return notFound(scanMessage(row))
}

// MediaRefCount counts the messages whose media reference is ref.
func (s *PostgresStore) MediaRefCount(ctx context.Context, ref string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+s.table()+` WHERE media_url = $1`,
		ref,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count media refs: %w", err)
	}
	return n, nil
}

// History returns up to q.Limit messages of q.Scope, oldest first.
func (s *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]Message, error) {
	limit := q.limit()
	before := messageIDArg(q.BeforeID)

	var (
		rows pgx.Rows
		err  error
	)
	if q.Scope.IsGeneral() {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+s.table()+`
			  WHERE recipient_id IS NULL
			    AND ($1::bigint IS NULL OR id < $1)
			  ORDER BY id DESC
			  LIMIT $2`,
			before, limit,
		)
	} else {
		a, b := q.Scope.Participants()
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+s.table()+`
			  WHERE ((sender_id = $1 AND recipient_id = $2) OR (sender_id = $2 AND recipient_id = $1))
			    AND ($3::bigint IS NULL OR id < $3)
			  ORDER BY id DESC
			  LIMIT $4`,
			int64(a), int64(b), before, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *PostgresStore) table() string { return pgIdent(s.schema, "messages") }

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m             Message
		id, sender    int64
		recipient     *int64
		replyTo       *int64
		typ, status   string
		reactionsJSON []byte
	)
	if err := row.Scan(
		&id, &sender, &recipient, &m.Body, &typ, &m.MediaRef, &m.VoiceDuration,
		&replyTo, &status, &reactionsJSON, &m.CreatedAt, &m.EditedAt, &m.DeliveredAt, &m.SeenAt,
	); err != nil {
		return Message{}, err
	}
	m.ID = MessageID(id)
	m.SenderID = UserID(sender)
	if recipient != nil {
		r := UserID(*recipient)
		m.RecipientID = &r
	}
	if replyTo != nil {
		rt := MessageID(*replyTo)
		m.ReplyTo = &rt
	}
	m.Type = MessageType(typ)
	m.Status = Status(status)
	if len(reactionsJSON) > 0 {
		if err := json.Unmarshal(reactionsJSON, &m.Reactions); err != nil {
			return Message{}, fmt.Errorf("decode reactions: %w", err)
		}
	}
	return m, nil
}

func notFound(m Message, err error) (Message, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return m, err
}

func userIDArg(id *UserID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

func messageIDArg(id *MessageID) *int64 {
	if id == nil {
		return nil
	}
	v := int64(*id)
	return &v
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ MessageStore = (*PostgresStore)(nil)
