package sync

import (
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/summary"
)

// CheckpointLoadedAt records when the conversation list was last fetched.
const CheckpointLoadedAt = "conversations.loaded_at"

// Reconciler mirrors synchronizer state into the local cache so a restart
// can show the list before the first fetch. A nil database turns every call
// into a no-op. Write errors are logged, never returned.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler. db may be nil.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// Restore returns the cached conversation list.
func (r *Reconciler) Restore() ([]chat.Conversation, error) {
	if r.db == nil {
		return nil, nil
	}
	return r.db.ListConversations(0)
}

// Summaries returns the cached summaries of a conversation.
func (r *Reconciler) Summaries(conversationID string) []summary.Record {
	if r.db == nil {
		return nil
	}
	recs, err := r.db.ListSummaries(conversationID)
	if err != nil {
		r.logger.Warn("failed to read cached summaries", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	return recs
}

// Messages returns the latest cached messages of a conversation.
func (r *Reconciler) Messages(conversationID string, limit int) []chat.Message {
	if r.db == nil {
		return nil
	}
	msgs, err := r.db.ListMessages(conversationID, time.Time{}, limit)
	if err != nil {
		r.logger.Warn("failed to read cached messages", zap.Error(err), zap.String("conversation_id", conversationID))
	}
	return msgs
}

// Loaded stores the fetched list and stamps the load checkpoint.
func (r *Reconciler) Loaded(list []chat.Conversation, at time.Time) {
	if r.db == nil {
		return
	}
	if err := r.db.ReplaceConversations(list); err != nil {
		r.logger.Warn("failed to cache conversation list", zap.Error(err))
		return
	}
	r.check(r.db.SetCheckpoint(CheckpointLoadedAt, at.UTC().Format(time.RFC3339Nano)), "checkpoint")
}

// LastLoaded returns when the list was last fetched from the server.
func (r *Reconciler) LastLoaded() (time.Time, bool) {
	if r.db == nil {
		return time.Time{}, false
	}
	v, ok, err := r.db.Checkpoint(CheckpointLoadedAt)
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (r *Reconciler) conversation(c chat.Conversation) {
	if r.db != nil {
		r.check(r.db.UpsertConversation(c), "upsert conversation")
	}
}

func (r *Reconciler) message(m chat.Message) {
	if r.db != nil {
		r.check(r.db.UpsertMessage(m), "upsert message")
	}
}

func (r *Reconciler) echo(clientID string, m chat.Message) {
	if r.db != nil {
		r.check(r.db.ReplaceClientMessage(clientID, m), "replace optimistic message")
	}
}

func (r *Reconciler) status(conversationID, messageID string, s chat.Status) {
	if r.db != nil {
		r.check(r.db.SetMessageStatus(conversationID, messageID, s), "set message status")
	}
}

func (r *Reconciler) deleted(conversationID string) {
	if r.db != nil {
		r.check(r.db.DeleteConversation(conversationID), "delete conversation")
	}
}

// summaries stores the merged list and drops records it no longer holds.
func (r *Reconciler) summaries(conversationID string, before, after []summary.Record) {
	if r.db == nil {
		return
	}
	kept := make(map[string]bool, len(after))
	for _, rec := range after {
		kept[rec.ID] = true
	}
	for _, rec := range before {
		if !kept[rec.ID] {
			r.check(r.db.DeleteSummary(conversationID, rec.ID), "delete superseded summary")
		}
	}
	r.check(r.db.SaveSummaries(conversationID, after), "save summaries")
}

func (r *Reconciler) check(err error, op string) {
	if err != nil {
		r.logger.Warn("local cache write failed", zap.String("op", op), zap.Error(err))
	}
}
