package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/arbor/backend/internal/model/chat"
)

// SQLiteStore persists trees in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string, log zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// a single connection serializes writers, which keeps sequence
	// assignment free of SQLITE_BUSY retries
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:  db,
		log: log.With().Str("component", "tree").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.log.Info().Str("path", path).Msg("sqlite tree store initialized")
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			root_id TEXT NOT NULL,
			last_touched_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chats_owner ON chats(owner_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			parent_id TEXT,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (chat_id) REFERENCES chats(id),
			FOREIGN KEY (parent_id) REFERENCES messages(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_chat_seq
			ON messages(chat_id, seq);

		CREATE INDEX IF NOT EXISTS idx_messages_parent_seq
			ON messages(parent_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateChat inserts the chat row and its root message in one transaction.
func (s *SQLiteStore) CreateChat(ctx context.Context, ownerID, agentID, title, rootText string) (chat.Chat, chat.Message, error) {
	if ownerID == "" {
		return chat.Chat{}, chat.Message{}, fmt.Errorf("%w: owner id is required", ErrValidation)
	}

	now := s.now()
	c := chat.Chat{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		AgentID:   agentID,
		Title:     title,
		CreatedAt: now,
	}
	root := chat.Message{
		ID:        uuid.NewString(),
		ChatID:    c.ID,
		Role:      chat.RoleSystem,
		Text:      rootText,
		CreatedAt: now,
		Seq:       1,
	}
	c.RootID = root.ID
	c.LastTouchedID = root.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Chat{}, chat.Message{}, fmt.Errorf("begin create chat: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, owner_id, agent_id, title, root_id, last_touched_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.OwnerID, c.AgentID, c.Title, c.RootID, c.LastTouchedID, chat.FormatTime(now)); err != nil {
		return chat.Chat{}, chat.Message{}, fmt.Errorf("insert chat: %w", err)
	}
	if err := insertMessage(ctx, tx, root); err != nil {
		return chat.Chat{}, chat.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return chat.Chat{}, chat.Message{}, fmt.Errorf("commit create chat: %w", err)
	}
	return c, root, nil
}

// GetChat retrieves a chat by identifier.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (chat.Chat, error) {
	var (
		c       chat.Chat
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_id, title, root_id, last_touched_id, created_at
		FROM chats WHERE id = ?
	`, chatID).Scan(&c.ID, &c.OwnerID, &c.AgentID, &c.Title, &c.RootID, &c.LastTouchedID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
	}
	if err != nil {
		return chat.Chat{}, fmt.Errorf("query chat %s: %w", chatID, err)
	}
	if c.CreatedAt, err = chat.ParseTime(created); err != nil {
		return chat.Chat{}, fmt.Errorf("chat %s created_at: %w", chatID, err)
	}
	return c, nil
}

// Insert appends a message; sequence assignment and the last-touched
// update commit together.
func (s *SQLiteStore) Insert(ctx context.Context, chatID, parentID string, role chat.Role, text string) (chat.Message, error) {
	if err := validateInsert(chatID, parentID, role, text); err != nil {
		return chat.Message{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	var parentChat string
	err = tx.QueryRowContext(ctx, `SELECT chat_id FROM messages WHERE id = ?`, parentID).Scan(&parentChat)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("query parent %s: %w", parentID, err)
	}
	if parentChat != chatID {
		return chat.Message{}, fmt.Errorf("parent %s: %w", parentID, ErrInvalidParent)
	}

	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?
	`, chatID).Scan(&next); err != nil {
		return chat.Message{}, fmt.Errorf("next seq for chat %s: %w", chatID, err)
	}

	msg := chat.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		ParentID:  parentID,
		Role:      role,
		Text:      text,
		CreatedAt: s.now(),
		Seq:       next,
	}
	if err := insertMessage(ctx, tx, msg); err != nil {
		return chat.Message{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET last_touched_id = ? WHERE id = ?`, msg.ID, chatID); err != nil {
		return chat.Message{}, fmt.Errorf("touch chat %s: %w", chatID, err)
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("commit insert: %w", err)
	}

	s.log.Debug().Str("chat_id", chatID).Str("message_id", msg.ID).Int64("seq", msg.Seq).Msg("message inserted")
	return msg, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m chat.Message) error {
	var parent any
	if m.ParentID != "" {
		parent = m.ParentID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, parent_id, role, text, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChatID, parent, string(m.Role), m.Text, m.Seq, chat.FormatTime(m.CreatedAt)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, chat_id, parent_id, role, text, seq, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m       chat.Message
		parent  sql.NullString
		role    string
		created string
	)
	if err := row.Scan(&m.ID, &m.ChatID, &parent, &role, &m.Text, &m.Seq, &created); err != nil {
		return chat.Message{}, err
	}
	m.ParentID = parent.String
	m.Role = chat.Role(role)
	t, err := chat.ParseTime(created)
	if err != nil {
		return chat.Message{}, fmt.Errorf("message %s created_at: %w", m.ID, err)
	}
	m.CreatedAt = t
	return m, nil
}

// Get retrieves a message by identifier.
func (s *SQLiteStore) Get(ctx context.Context, id string) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("query message %s: %w", id, err)
	}
	return m, nil
}

// Children returns the replies to id in insertion order.
func (s *SQLiteStore) Children(ctx context.Context, id string) ([]chat.Message, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE parent_id = ? ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query children of %s: %w", id, err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child of %s: %w", id, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) childIDs(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM messages WHERE parent_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query child ids of %s: %w", id, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			return nil, fmt.Errorf("scan child id of %s: %w", id, err)
		}
		ids = append(ids, childID)
	}
	return ids, rows.Err()
}

// Descendants walks the subtree under id.
func (s *SQLiteStore) Descendants(ctx context.Context, id, after string, limit int, dir chat.Direction) (Page, error) {
	return descendants(ctx, s, id, after, limit, dir)
}

// Ancestors walks from id toward the root.
func (s *SQLiteStore) Ancestors(ctx context.Context, id string, limit int) (Page, error) {
	return ancestors(ctx, s, id, limit)
}

// BranchAnchor finds the nearest branching ancestor of id.
func (s *SQLiteStore) BranchAnchor(ctx context.Context, id string) (string, error) {
	return branchAnchor(ctx, s, id)
}

// ListChats returns the chats owned by ownerID, newest first.
func (s *SQLiteStore) ListChats(ctx context.Context, ownerID string) ([]chat.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, agent_id, title, root_id, last_touched_id, created_at
		FROM chats WHERE owner_id = ? ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query chats of %s: %w", ownerID, err)
	}
	defer rows.Close()

	var out []chat.Chat
	for rows.Next() {
		var (
			c       chat.Chat
			created string
		)
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.AgentID, &c.Title, &c.RootID, &c.LastTouchedID, &created); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		if c.CreatedAt, err = chat.ParseTime(created); err != nil {
			return nil, fmt.Errorf("chat %s created_at: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
