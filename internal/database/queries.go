package database

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

const (
	memberColumns       = "id, name, email, phone, password_hash, created_at, updated_at"
	conversationColumns = "id, participant_a, participant_b, created_at, updated_at"
	messageColumns      = "id, conversation_id, sender_id, type, content, duration_seconds, reply_to_id, is_read, created_at, edited_at, version"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanMember(row scanner) (Member, error) {
	var m Member
	err := row.Scan(
		&m.Id,
		&m.Name,
		&m.Email,
		&m.Phone,
		&m.PasswordHash,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	return m, err
}

func scanConversation(row scanner) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.ParticipantA,
		&c.ParticipantB,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

func scanMessage(row scanner) (Message, error) {
	var (
		msg      Message
		duration sql.NullInt32
		replyTo  sql.NullString
		editedAt sql.NullTime
	)
	err := row.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.SenderId,
		&msg.Type,
		&msg.Content,
		&duration,
		&replyTo,
		&msg.IsRead,
		&msg.CreatedAt,
		&editedAt,
		&msg.Version,
	)
	if err != nil {
		return Message{}, err
	}

	if duration.Valid {
		d := int(duration.Int32)
		msg.DurationSeconds = &d
	}
	if replyTo.Valid {
		msg.ReplyToId = &replyTo.String
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}

	return msg, nil
}

func (db *PgRepository) UpsertMember(ctx context.Context, params UpsertMemberParams) (Member, error) {
	now := time.Now().UTC()
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO members (id, name, email, phone, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) "+
			"ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, "+
			"phone = EXCLUDED.phone, password_hash = EXCLUDED.password_hash, updated_at = EXCLUDED.updated_at "+
			"RETURNING "+memberColumns,
		params.Id,
		params.Name,
		params.Email,
		params.Phone,
		params.PasswordHash,
		now,
	)

	m, err := scanMember(row)
	return m, translateError(err)
}

func (db *PgRepository) UpdateMember(ctx context.Context, params UpdateMemberParams) (Member, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE members SET name = $2, email = $3, phone = $4, updated_at = $5 "+
			"WHERE id = $1 RETURNING "+memberColumns,
		params.Id,
		params.Name,
		params.Email,
		params.Phone,
		time.Now().UTC(),
	)

	m, err := scanMember(row)
	return m, translateError(err)
}

func (db *PgRepository) GetMember(ctx context.Context, id string) (Member, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE id = $1 LIMIT 1",
		id,
	)

	m, err := scanMember(row)
	return m, translateError(err)
}

func (db *PgRepository) GetOrCreateConversation(ctx context.Context, params CreateConversationParams) (Conversation, bool, error) {
	// the unique pair constraint settles concurrent inserts; the loser reads
	// the winner's row
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO conversations (id, participant_a, participant_b, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) "+
			"ON CONFLICT (participant_a, participant_b) DO NOTHING "+
			"RETURNING "+conversationColumns,
		params.Id,
		params.ParticipantA,
		params.ParticipantB,
		params.CreatedAt,
	)

	c, err := scanConversation(row)
	if err == nil {
		return c, true, nil
	}
	if err != sql.ErrNoRows {
		return Conversation{}, false, translateError(err)
	}

	row = db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations "+
			"WHERE participant_a = $1 AND participant_b = $2 LIMIT 1",
		params.ParticipantA,
		params.ParticipantB,
	)

	c, err = scanConversation(row)
	return c, false, translateError(err)
}

func (db *PgRepository) GetConversation(ctx context.Context, id string) (Conversation, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = $1 LIMIT 1",
		id,
	)

	c, err := scanConversation(row)
	return c, translateError(err)
}

func (db *PgRepository) ListConversations(ctx context.Context, memberId string) ([]ConversationSummary, error) {
	query := `
		SELECT
				c.id,
				c.participant_a,
				c.participant_b,
				c.created_at,
				c.updated_at,
				m.id,
				m.name,
				(SELECT count(*) FROM messages msg
				  WHERE msg.conversation_id = c.id
				    AND msg.sender_id <> $1
				    AND NOT msg.is_read) AS unread
		FROM conversations c
		JOIN members m
		  ON m.id = CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.updated_at DESC, c.id;
`

	rows, err := db.conn.QueryContext(ctx, query, memberId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var s ConversationSummary
		if err := rows.Scan(
			&s.Id,
			&s.ParticipantA,
			&s.ParticipantB,
			&s.CreatedAt,
			&s.UpdatedAt,
			&s.OtherMember.Id,
			&s.OtherMember.Name,
			&s.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return summaries, nil
}

func (db *PgRepository) CreateMessage(ctx context.Context, msg Message) (Message, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		"UPDATE conversations SET updated_at = $2 WHERE id = $1",
		msg.ConversationId,
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return Message{}, err
	}
	if n == 0 {
		err = ErrNotFound
		return Message{}, err
	}

	row := tx.QueryRowContext(ctx,
		"INSERT INTO messages (id, conversation_id, sender_id, type, content, duration_seconds, reply_to_id, is_read, created_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8) RETURNING "+messageColumns,
		msg.Id,
		msg.ConversationId,
		msg.SenderId,
		msg.Type,
		msg.Content,
		msg.DurationSeconds,
		msg.ReplyToId,
		msg.CreatedAt,
	)

	created, err := scanMessage(row)
	if err != nil {
		err = translateError(err)
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return created, nil
}

func (db *PgRepository) GetMessage(ctx context.Context, id string) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE id = $1 LIMIT 1",
		id,
	)

	msg, err := scanMessage(row)
	return msg, translateError(err)
}

func (db *PgRepository) UpdateMessageContent(ctx context.Context, id, content string, editedAt time.Time) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		"UPDATE messages SET content = $2, edited_at = $3, version = version + 1 WHERE id = $1 RETURNING "+messageColumns,
		id,
		content,
		editedAt,
	)

	msg, err := scanMessage(row)
	return msg, translateError(err)
}

func (db *PgRepository) DeleteMessage(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return translateError(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func (db *PgRepository) MarkRead(ctx context.Context, conversationId, readerId string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		"UPDATE messages SET is_read = TRUE, version = version + 1 "+
			"WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read "+
			"RETURNING "+messageColumns,
		conversationId,
		readerId,
	)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (db *PgRepository) ListMessages(ctx context.Context, conversationId string, page Page) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE conversation_id = $1"
	args := []any{conversationId}

	if page.Before != "" {
		args = append(args, page.Before)
		query += fmt.Sprintf(" AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $%d)", len(args))
	}

	// newest first so LIMIT keeps the most recent window, reversed below
	query += " ORDER BY created_at DESC, id DESC"
	if page.Limit > 0 {
		args = append(args, page.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}
