package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/summary"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

type SynchronizerMock struct {
	mock.Mock
}

func (m *SynchronizerMock) Snapshot() []chatsync.ConversationState {
	args := m.Called()
	var list []chatsync.ConversationState
	if val := args.Get(0); val != nil {
		list = val.([]chatsync.ConversationState)
	}
	return list
}

func (m *SynchronizerMock) Conversation(id string) (chatsync.ConversationState, bool) {
	args := m.Called(id)
	var conv chatsync.ConversationState
	if val := args.Get(0); val != nil {
		conv = val.(chatsync.ConversationState)
	}
	return conv, args.Bool(1)
}

func (m *SynchronizerMock) Window() (string, []chat.Message) {
	args := m.Called()
	var msgs []chat.Message
	if val := args.Get(1); val != nil {
		msgs = val.([]chat.Message)
	}
	return args.String(0), msgs
}

func (m *SynchronizerMock) UnreadTotal() int {
	return m.Called().Int(0)
}

func (m *SynchronizerMock) Online(userID string) bool {
	return m.Called(userID).Bool(0)
}

func (m *SynchronizerMock) OpenConversation(ctx context.Context, id string, messages []chat.Message) error {
	return m.Called(ctx, id, messages).Error(0)
}

func (m *SynchronizerMock) CloseConversation(ctx context.Context) {
	m.Called(ctx)
}

func (m *SynchronizerMock) DeleteConversation(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *SynchronizerMock) SendMessage(ctx context.Context, conversationID, text string, attachments []chat.Attachment, parentID string) (chat.Message, error) {
	args := m.Called(ctx, conversationID, text, attachments, parentID)
	var msg chat.Message
	if val := args.Get(0); val != nil {
		msg = val.(chat.Message)
	}
	return msg, args.Error(1)
}

func (m *SynchronizerMock) Keystroke(ctx context.Context, conversationID string) error {
	return m.Called(ctx, conversationID).Error(0)
}

func (m *SynchronizerMock) StopTyping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *SynchronizerMock) GenerateSummary(ctx context.Context, conversationID string) (summary.Record, error) {
	args := m.Called(ctx, conversationID)
	var rec summary.Record
	if val := args.Get(0); val != nil {
		rec = val.(summary.Record)
	}
	return rec, args.Error(1)
}

func (m *SynchronizerMock) RefreshSummaries(ctx context.Context, conversationID string) ([]summary.Record, error) {
	args := m.Called(ctx, conversationID)
	var recs []summary.Record
	if val := args.Get(0); val != nil {
		recs = val.([]summary.Record)
	}
	return recs, args.Error(1)
}

type connectionStub struct {
	snap status.Snapshot
}

func (c connectionStub) State() status.Snapshot { return c.snap }

type RetrierMock struct {
	mock.Mock
}

func (m *RetrierMock) Retry(clientID string) error {
	return m.Called(clientID).Error(0)
}
