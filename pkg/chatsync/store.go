package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"
)

// localStore is the read-through cache behind the engine: conversations,
// messages and read markers persisted per client id so a restart can show
// last-known-good state (labeled stale) before any stream is live.
//
// Writers: the per-conversation apply loop (stream deltas) and the
// optimistic read-marker path. Both are serialized per conversation key by
// the subscriber, so the store never sees interleaved writes for one
// conversation.
type localStore struct {
	db       *dbutil.Database
	clientID string
}

func newLocalStore(db *dbutil.Database, clientID string) *localStore {
	return &localStore{db: db, clientID: clientID}
}

func (s *localStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			client_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			photo_url TEXT NOT NULL DEFAULT '',
			capacity INTEGER NOT NULL DEFAULT 0,
			owner_id TEXT NOT NULL,
			admins_json TEXT NOT NULL DEFAULT '[]',
			participants_json TEXT NOT NULL DEFAULT '[]',
			muted_json TEXT NOT NULL DEFAULT '[]',
			last_read_json TEXT NOT NULL DEFAULT '{}',
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (client_id, conversation_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			client_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			text TEXT,
			attachment_json TEXT,
			reply_to TEXT,
			edited_ts BIGINT,
			msg_type TEXT NOT NULL DEFAULT 'user',
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (client_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS read_marker (
			client_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			last_read_ts BIGINT NOT NULL,
			source TEXT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (client_id, conversation_id, participant_id)
		)`,
		`CREATE INDEX IF NOT EXISTS message_conv_ts_idx
			ON message (client_id, conversation_id, created_ts, message_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure cache schema: %w", err)
		}
	}

	// Migration: add hidden column if missing (SQLite has no IF NOT EXISTS
	// on ALTER).
	var hasHidden int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('conversation') WHERE name='hidden'`).Scan(&hasHidden)
	if hasHidden == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE conversation ADD COLUMN hidden BOOLEAN NOT NULL DEFAULT FALSE`); err != nil {
			return fmt.Errorf("failed to add hidden column: %w", err)
		}
	}
	return nil
}

func setToJSON(set map[UserID]bool) string {
	ids := make([]UserID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func setFromJSON(raw string) map[UserID]bool {
	var ids []UserID
	_ = json.Unmarshal([]byte(raw), &ids)
	out := make(map[UserID]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func (s *localStore) upsertConversation(ctx context.Context, conv *Conversation, hidden bool) error {
	lastRead := make(map[UserID]int64, len(conv.LastRead))
	for id, ts := range conv.LastRead {
		lastRead[id] = ts.UnixMilli()
	}
	lastReadJSON, _ := json.Marshal(lastRead)
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation (client_id, conversation_id, kind, name, photo_url, capacity,
			owner_id, admins_json, participants_json, muted_json, last_read_json, hidden, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (client_id, conversation_id) DO UPDATE SET
			kind=excluded.kind, name=excluded.name, photo_url=excluded.photo_url,
			capacity=excluded.capacity, owner_id=excluded.owner_id,
			admins_json=excluded.admins_json, participants_json=excluded.participants_json,
			muted_json=excluded.muted_json, last_read_json=excluded.last_read_json,
			hidden=excluded.hidden, updated_ts=excluded.updated_ts
	`, s.clientID, conv.ID, conv.Kind, conv.Name, conv.PhotoURL, conv.Capacity,
		conv.OwnerID, setToJSON(conv.AdminIDs), setToJSON(conv.Participants),
		setToJSON(conv.Muted), string(lastReadJSON), hidden, time.Now().UnixMilli())
	return err
}

func (s *localStore) deleteConversation(ctx context.Context, conv ConversationID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM conversation WHERE client_id=$1 AND conversation_id=$2`, s.clientID, conv); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM message WHERE client_id=$1 AND conversation_id=$2`, s.clientID, conv)
	return err
}

type storedConversation struct {
	Conversation *Conversation
	Hidden       bool
}

func (s *localStore) listConversations(ctx context.Context) ([]storedConversation, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id, kind, name, photo_url, capacity, owner_id,
			admins_json, participants_json, muted_json, last_read_json, hidden, updated_ts
		FROM conversation WHERE client_id=$1
	`, s.clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storedConversation
	for rows.Next() {
		var (
			conv                                  Conversation
			admins, participants, muted, lastRead string
			hidden                                bool
			updatedTS                             int64
		)
		if err := rows.Scan(&conv.ID, &conv.Kind, &conv.Name, &conv.PhotoURL, &conv.Capacity,
			&conv.OwnerID, &admins, &participants, &muted, &lastRead, &hidden, &updatedTS); err != nil {
			return nil, err
		}
		conv.AdminIDs = setFromJSON(admins)
		conv.Participants = setFromJSON(participants)
		conv.Muted = setFromJSON(muted)
		conv.UpdatedAt = time.UnixMilli(updatedTS)
		var lastReadMS map[UserID]int64
		_ = json.Unmarshal([]byte(lastRead), &lastReadMS)
		conv.LastRead = make(map[UserID]time.Time, len(lastReadMS))
		for id, ms := range lastReadMS {
			conv.LastRead[id] = time.UnixMilli(ms)
		}
		out = append(out, storedConversation{Conversation: &conv, Hidden: hidden})
	}
	return out, rows.Err()
}

func (s *localStore) upsertMessage(ctx context.Context, msg *Message) error {
	var attachmentJSON sql.NullString
	if msg.Attachment != nil {
		data, err := json.Marshal(msg.Attachment)
		if err != nil {
			return err
		}
		attachmentJSON = sql.NullString{String: string(data), Valid: true}
	}
	var editedTS sql.NullInt64
	if msg.EditedAt != nil {
		editedTS = sql.NullInt64{Int64: msg.EditedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO message (client_id, message_id, conversation_id, sender_id, created_ts,
			text, attachment_json, reply_to, edited_ts, msg_type, deleted, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (client_id, message_id) DO UPDATE SET
			text=excluded.text, attachment_json=excluded.attachment_json,
			edited_ts=excluded.edited_ts, deleted=excluded.deleted,
			updated_ts=excluded.updated_ts
	`, s.clientID, msg.ID, msg.ConversationID, msg.SenderID, msg.CreatedAt.UnixMilli(),
		msg.Text, attachmentJSON, string(msg.ReplyTo), editedTS, msg.Type, msg.Deleted,
		time.Now().UnixMilli())
	return err
}

// tombstoneMessage marks a message deleted without dropping the row, so a
// late stream echo of the same message cannot resurrect it.
func (s *localStore) tombstoneMessage(ctx context.Context, id MessageID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE message SET deleted=TRUE, updated_ts=$3 WHERE client_id=$1 AND message_id=$2
	`, s.clientID, id, time.Now().UnixMilli())
	return err
}

func (s *localStore) listMessages(ctx context.Context, conv ConversationID) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_id, sender_id, created_ts, text, attachment_json, reply_to,
			edited_ts, msg_type, deleted
		FROM message
		WHERE client_id=$1 AND conversation_id=$2 AND deleted=FALSE
		ORDER BY created_ts, message_id
	`, s.clientID, conv)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		msg := &Message{ConversationID: conv}
		var (
			createdTS      int64
			text           sql.NullString
			attachmentJSON sql.NullString
			replyTo        sql.NullString
			editedTS       sql.NullInt64
		)
		if err := rows.Scan(&msg.ID, &msg.SenderID, &createdTS, &text, &attachmentJSON,
			&replyTo, &editedTS, &msg.Type, &msg.Deleted); err != nil {
			return nil, err
		}
		msg.CreatedAt = time.UnixMilli(createdTS)
		msg.Text = text.String
		msg.ReplyTo = MessageID(replyTo.String)
		if attachmentJSON.Valid {
			var att Attachment
			if err := json.Unmarshal([]byte(attachmentJSON.String), &att); err == nil {
				msg.Attachment = &att
			}
		}
		if editedTS.Valid {
			ts := time.UnixMilli(editedTS.Int64)
			msg.EditedAt = &ts
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *localStore) upsertMarker(ctx context.Context, conv ConversationID, participant UserID, marker ReadMarker) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO read_marker (client_id, conversation_id, participant_id, last_read_ts, source, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id, conversation_id, participant_id) DO UPDATE SET
			last_read_ts=excluded.last_read_ts, source=excluded.source, updated_ts=excluded.updated_ts
	`, s.clientID, conv, participant, marker.LastReadAt.UnixMilli(), marker.Source.String(), time.Now().UnixMilli())
	return err
}

func (s *localStore) listMarkers(ctx context.Context, participant UserID) (map[ConversationID]ReadMarker, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id, last_read_ts, source FROM read_marker
		WHERE client_id=$1 AND participant_id=$2
	`, s.clientID, participant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[ConversationID]ReadMarker)
	for rows.Next() {
		var (
			conv   ConversationID
			readTS int64
			source string
		)
		if err := rows.Scan(&conv, &readTS, &source); err != nil {
			return nil, err
		}
		marker := ReadMarker{LastReadAt: time.UnixMilli(readTS)}
		switch source {
		case MarkerServerConfirmed.String():
			marker.Source = MarkerServerConfirmed
		case MarkerLocalOptimistic.String():
			marker.Source = MarkerLocalOptimistic
		}
		out[conv] = marker
	}
	return out, rows.Err()
}
