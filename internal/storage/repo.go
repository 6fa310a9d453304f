package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"polychat/internal/chat"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSlotOccupied  = errors.New("answer slot already filled")
	ErrNoUserMessage = errors.New("turn has no user message")
)

func (s *Store) CreateThread(ctx context.Context, userID, projectID, pageType string) (chat.Thread, error) {
	if pageType == "" {
		pageType = "chat"
	}
	id := uuid.NewString()
	q := s.sql.Insert("threads").
		Columns("id", "user_id", "project_id", "page_type").
		Values(id, userID, nullable(projectID), pageType)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return chat.Thread{}, fmt.Errorf("build create thread query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return chat.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return chat.Thread{ID: id, UserID: userID, ProjectID: projectID, PageType: pageType}, nil
}

func (s *Store) GetThread(ctx context.Context, threadID string) (chat.Thread, error) {
	q := s.sql.Select("id", "user_id", "project_id", "page_type").
		From("threads").
		Where(sq.Eq{"id": threadID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return chat.Thread{}, fmt.Errorf("build get thread query: %w", err)
	}

	var t chat.Thread
	var projectID sql.NullString
	err = s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&t.ID, &t.UserID, &projectID, &t.PageType)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Thread{}, ErrNotFound
	}
	if err != nil {
		return chat.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	t.ProjectID = projectID.String

	msgs, err := s.listMessages(ctx, threadID)
	if err != nil {
		return chat.Thread{}, err
	}
	t.Messages = msgs
	return t, nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	for _, table := range []string{"messages", "threads"} {
		col := "thread_id"
		if table == "threads" {
			col = "id"
		}
		sqlStr, args, err := s.sql.Delete(table).Where(sq.Eq{col: threadID}).ToSql()
		if err != nil {
			return fmt.Errorf("build delete thread query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
	}
	return nil
}

func (s *Store) listMessages(ctx context.Context, threadID string) ([]chat.Message, error) {
	q := s.sql.Select("id", "turn_index", "role", "content", "model_id", "provider", "image_url", "audio_url", "key_tier", "error_code", "tokens_json", "file_ref", "created_at").
		From("messages").
		Where(sq.Eq{"thread_id": threadID}).
		OrderBy("turn_index ASC", "CASE role WHEN 'user' THEN 0 ELSE 1 END ASC", "created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		var m chat.Message
		var turnIndex int
		var tokensJSON sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &turnIndex, &m.Role, &m.Content, &m.ModelID, &m.Provider, &m.ImageURL, &m.AudioURL, &m.KeyTier, &m.ErrorCode, &tokensJSON, &m.FileRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = createdAt
		if tokensJSON.Valid && tokensJSON.String != "" {
			var ti chat.TokenInfo
			if err := json.Unmarshal([]byte(tokensJSON.String), &ti); err == nil {
				m.Tokens = &ti
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppendUserMessage opens a new turn and returns its index.
func (s *Store) AppendUserMessage(ctx context.Context, threadID, content, fileRef string) (turnIndex int, messageID string, err error) {
	turnIndex, err = s.nextTurnIndex(ctx, threadID)
	if err != nil {
		return 0, "", err
	}
	messageID = uuid.NewString()
	q := s.sql.Insert("messages").
		Columns("id", "thread_id", "turn_index", "role", "content", "file_ref", "created_at").
		Values(messageID, threadID, turnIndex, chat.RoleUser, content, fileRef, time.Now().UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, "", fmt.Errorf("build append user message query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return 0, "", fmt.Errorf("append user message: %w", err)
	}
	return turnIndex, messageID, nil
}

func (s *Store) nextTurnIndex(ctx context.Context, threadID string) (int, error) {
	q := s.sql.Select("COALESCE(MAX(turn_index), -1)").
		From("messages").
		Where(sq.Eq{"thread_id": threadID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build next turn query: %w", err)
	}
	var maxIdx int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&maxIdx); err != nil {
		return 0, fmt.Errorf("next turn index: %w", err)
	}
	return maxIdx + 1, nil
}

// AttachAnswer writes one answer into its (thread, turn, model) slot.
// The slot is single-write: a concurrent duplicate is rejected with
// ErrSlotOccupied instead of clobbering the first answer.
func (s *Store) AttachAnswer(ctx context.Context, threadID string, turnIndex int, ans chat.Message) (string, error) {
	id := uuid.NewString()
	var tokensJSON any
	if ans.Tokens != nil {
		b, err := json.Marshal(ans.Tokens)
		if err != nil {
			return "", fmt.Errorf("marshal tokens: %w", err)
		}
		tokensJSON = string(b)
	}

	q := s.sql.Insert("messages").
		Columns("id", "thread_id", "turn_index", "role", "content", "model_id", "provider", "image_url", "audio_url", "key_tier", "error_code", "tokens_json", "created_at").
		Values(id, threadID, turnIndex, chat.RoleAssistant, ans.Content, ans.ModelID, ans.Provider, ans.ImageURL, ans.AudioURL, ans.KeyTier, ans.ErrorCode, tokensJSON, time.Now().UTC()).
		Suffix("ON CONFLICT(thread_id, turn_index, model_id) WHERE role = 'assistant' DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build attach answer query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return "", fmt.Errorf("attach answer: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return "", ErrSlotOccupied
	}
	return id, nil
}

// DeleteTurn removes a whole turn: the user line and every answer.
// Deleting a turn that does not exist is a no-op.
func (s *Store) DeleteTurn(ctx context.Context, threadID string, turnIndex int) error {
	sqlStr, args, err := s.sql.Delete("messages").
		Where(sq.Eq{"thread_id": threadID, "turn_index": turnIndex}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete turn query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete turn: %w", err)
	}
	return nil
}

// DeleteAnswer removes only the named model's line in the turn. The
// answer-slot index guarantees at most one match. Deleting an absent
// pair is a no-op, not an error.
func (s *Store) DeleteAnswer(ctx context.Context, threadID string, turnIndex int, modelID string) error {
	sqlStr, args, err := s.sql.Delete("messages").
		Where(sq.Eq{
			"thread_id":  threadID,
			"turn_index": turnIndex,
			"model_id":   modelID,
			"role":       chat.RoleAssistant,
		}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete answer query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete answer: %w", err)
	}
	return nil
}

// EditUserMessage replaces the turn's user content and clears its
// answers so the models can re-answer the edited prompt.
func (s *Store) EditUserMessage(ctx context.Context, threadID string, turnIndex int, content string) error {
	sqlStr, args, err := s.sql.Update("messages").
		Set("content", content).
		Where(sq.Eq{"thread_id": threadID, "turn_index": turnIndex, "role": chat.RoleUser}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build edit user message query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("edit user message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNoUserMessage
	}

	sqlStr, args, err = s.sql.Delete("messages").
		Where(sq.Eq{"thread_id": threadID, "turn_index": turnIndex, "role": chat.RoleAssistant}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build clear answers query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear answers: %w", err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
