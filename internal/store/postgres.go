package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/medintel/internal/language"
)

const pgForeignKeyViolation = "23503"

// PostgresStore persists conversations and messages in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			language TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user_updated ON conversations (user_id, updated_at);`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachment_filename TEXT,
			attachment_media_type TEXT,
			attachment_size BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at, seq);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conv Conversation) (Conversation, error) {
	conv = prepareConversation(conv, uuid.NewString)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, language, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, language = EXCLUDED.language, updated_at = EXCLUDED.updated_at`,
		conv.ID,
		conv.UserID,
		nullableLanguage(conv.Language),
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) FindConversation(ctx context.Context, id string) (Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, user_id, language, created_at, updated_at FROM conversations WHERE id=$1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("find conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	msg = prepareMessage(msg, uuid.NewString)

	var filename, mediaType *string
	var size *int64
	if msg.Attachment != nil {
		filename, mediaType, size = &msg.Attachment.Filename, &msg.Attachment.MediaType, &msg.Attachment.Size
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, attachment_filename, attachment_media_type, attachment_size, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content, filename, mediaType, size, msg.CreatedAt,
		).Scan(&msg.Seq); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id=$1`,
			msg.ConversationID, msg.CreatedAt)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) UpdateConversationLanguage(ctx context.Context, id string, lang language.Language, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET language=$2, updated_at=$3 WHERE id=$1`,
		id, nullableLanguage(lang), updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update conversation language: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteConversationCascade(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, order Order, limit int) ([]Message, error) {
	query := `SELECT id, conversation_id, role, content, attachment_filename, attachment_media_type, attachment_size, created_at, seq
		 FROM messages WHERE conversation_id=$1 ORDER BY created_at DESC, seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var (
			m                   Message
			role                string
			filename, mediaType *string
			size                *int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &filename, &mediaType, &size, &m.CreatedAt, &m.Seq); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if filename != nil {
			m.Attachment = &AttachmentInfo{Filename: *filename}
			if mediaType != nil {
				m.Attachment.MediaType = *mediaType
			}
			if size != nil {
				m.Attachment.Size = *size
			}
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	// Newest-first from the query so LIMIT keeps the most recent context.
	if order == Ascending {
		reverseMessages(items)
	}
	return items, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, ownerID string, order Order, limit int) ([]Conversation, error) {
	query := `SELECT id, user_id, language, created_at, updated_at FROM conversations WHERE user_id=$1 ORDER BY updated_at ASC`
	if order == Descending {
		query = `SELECT id, user_id, language, created_at, updated_at FROM conversations WHERE user_id=$1 ORDER BY updated_at DESC`
	}
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var (
		conv Conversation
		lang *string
	)
	if err := row.Scan(&conv.ID, &conv.UserID, &lang, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	if lang != nil {
		conv.Language = language.Language(*lang)
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return conv, nil
}

func nullableLanguage(lang language.Language) *string {
	if lang == "" {
		return nil
	}
	s := string(lang)
	return &s
}
