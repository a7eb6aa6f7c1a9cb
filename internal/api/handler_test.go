package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/summary"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/view"
)

type fixture struct {
	sync   *SynchronizerMock
	outbox *RetrierMock
	list   *view.List
	window *view.Window
	router *gin.Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{
		sync:   new(SynchronizerMock),
		outbox: new(RetrierMock),
		list:   view.NewList(),
		window: view.NewWindow(),
	}
	conn := connectionStub{snap: status.Snapshot{Status: status.Connected, ReconnectAttempts: 0}}
	h := NewHandler("main", "me", f.sync, conn, f.outbox, f.list, f.window)
	f.router = NewRouter(h, RouterOptions{})
	t.Cleanup(func() {
		f.sync.AssertExpectations(t)
		f.outbox.AssertExpectations(t)
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	f := setup(t)
	f.sync.On("Window").Return("c1", nil).Once()
	f.sync.On("UnreadTotal").Return(3).Once()

	rec := f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "main", resp.Session)
	assert.Equal(t, "connected", resp.Connection)
	assert.Equal(t, 3, resp.UnreadTotal)
	assert.Equal(t, "c1", resp.OpenConversation)
}

func TestListConversationsFromProjection(t *testing.T) {
	f := setup(t)
	f.list.Apply(bus.Event{Kind: bus.ConversationUpdated, Payload: bus.ConversationUpdate{
		ConversationID: "c1", LastMessageAt: time.Unix(10, 0), UnreadCount: bus.IntPtr(2),
	}})

	rec := f.do(http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Conversations []view.Entry `json:"conversations"`
		UnreadTotal   int          `json:"unreadTotal"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "c1", resp.Conversations[0].ID)
	assert.Equal(t, 2, resp.UnreadTotal)
}

func TestGetConversationNotFound(t *testing.T) {
	f := setup(t)
	f.sync.On("Conversation", "nope").Return(nil, false).Once()

	rec := f.do(http.MethodGet, "/conversations/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenConversation(t *testing.T) {
	f := setup(t)
	msgs := []chat.Message{{ID: "m1", ConversationID: "c1", Text: "hi"}}
	f.sync.On("Conversation", "c1").Return(chatsync.ConversationState{}, true).Once()
	f.sync.On("OpenConversation", mock.Anything, "c1", []chat.Message(nil)).Return(errors.New("seen acks: offline")).Once()
	f.sync.On("Window").Return("c1", msgs).Once()

	rec := f.do(http.MethodPost, "/conversations/c1/open", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WindowResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "c1", resp.ConversationID)
	assert.Len(t, resp.Messages, 1)
	assert.Contains(t, resp.Warning, "offline")
	assert.Equal(t, "c1", f.window.State().ConversationID)
}

func TestOpenUnknownConversation(t *testing.T) {
	f := setup(t)
	f.sync.On("Conversation", "x").Return(nil, false).Once()

	rec := f.do(http.MethodPost, "/conversations/x/open", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	f.sync.AssertNotCalled(t, "OpenConversation", mock.Anything, mock.Anything, mock.Anything)
}

func TestCloseConversation(t *testing.T) {
	f := setup(t)
	f.window.Open("c1")
	f.sync.On("CloseConversation", mock.Anything).Once()

	rec := f.do(http.MethodPost, "/conversations/close", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, f.window.State().ConversationID)
}

func TestSendMessage(t *testing.T) {
	f := setup(t)
	f.sync.On("SendMessage", mock.Anything, "c1", "hello", []chat.Attachment(nil), "m0").
		Return(chat.Message{ID: "tmp-1", ClientID: "tmp-1", Text: "hello"}, nil).Once()

	rec := f.do(http.MethodPost, "/conversations/c1/messages", `{"text":"hello","parentMessageId":"m0"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var msg chat.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&msg))
	assert.Equal(t, "tmp-1", msg.ClientID)
}

func TestSendMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"empty", chatsync.ErrEmptyMessage, http.StatusBadRequest},
		{"unknown", chatsync.ErrUnknownConversation, http.StatusNotFound},
		{"not configured", chatsync.ErrNotConfigured, http.StatusServiceUnavailable},
		{"queue failure", errors.New("disk full"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.sync.On("SendMessage", mock.Anything, "c1", "x", mock.Anything, "").Return(nil, tt.err).Once()

			rec := f.do(http.MethodPost, "/conversations/c1/messages", `{"text":"x"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSendMessageBadBody(t *testing.T) {
	f := setup(t)
	rec := f.do(http.MethodPost, "/conversations/c1/messages", `{"text":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTyping(t *testing.T) {
	f := setup(t)
	f.sync.On("Keystroke", mock.Anything, "c1").Return(nil).Once()
	f.sync.On("StopTyping", mock.Anything).Return(nil).Once()

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/conversations/c1/typing", `{"typing":true}`).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/conversations/c1/typing", `{"typing":false}`).Code)
}

func TestDeleteConversation(t *testing.T) {
	f := setup(t)
	f.sync.On("DeleteConversation", mock.Anything, "c1").Return(nil).Once()
	f.sync.On("DeleteConversation", mock.Anything, "c2").Return(errors.New("forbidden")).Once()

	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/conversations/c1", "").Code)
	assert.Equal(t, http.StatusBadGateway, f.do(http.MethodDelete, "/conversations/c2", "").Code)
}

func TestGenerateSummary(t *testing.T) {
	f := setup(t)
	f.sync.On("GenerateSummary", mock.Anything, "c1").Return(summary.Record{ID: "s1", Text: "recap"}, nil).Once()
	f.sync.On("GenerateSummary", mock.Anything, "c2").Return(nil, chatsync.ErrSummaryPending).Once()

	rec := f.do(http.MethodPost, "/conversations/c1/summaries", "")
	require.Equal(t, http.StatusCreated, rec.Code)
	var got summary.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "s1", got.ID)

	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/conversations/c2/summaries", "").Code)
}

func TestListSummaries(t *testing.T) {
	f := setup(t)
	f.sync.On("Conversation", "c1").Return(chatsync.ConversationState{
		Summaries:      []summary.Record{{ID: "s1", Text: "a"}},
		SummaryPending: true,
	}, true).Once()
	f.sync.On("RefreshSummaries", mock.Anything, "c1").Return([]summary.Record{{ID: "s1"}, {ID: "s2"}}, nil).Once()

	rec := f.do(http.MethodGet, "/conversations/c1/summaries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cached struct {
		Summaries []summary.Record `json:"summaries"`
		Pending   bool             `json:"pending"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cached))
	assert.Len(t, cached.Summaries, 1)
	assert.True(t, cached.Pending)

	rec = f.do(http.MethodGet, "/conversations/c1/summaries?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var refreshed struct {
		Summaries []summary.Record `json:"summaries"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&refreshed))
	assert.Len(t, refreshed.Summaries, 2)
}

func TestRetrySend(t *testing.T) {
	f := setup(t)
	f.outbox.On("Retry", "tmp-1").Return(nil).Once()
	f.outbox.On("Retry", "tmp-2").Return(errors.New("not failed")).Once()

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/outbox/tmp-1/retry", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/outbox/tmp-2/retry", "").Code)
}

func TestPresence(t *testing.T) {
	f := setup(t)
	f.sync.On("Online", "u2").Return(true).Once()

	rec := f.do(http.MethodGet, "/users/u2/presence", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"u2","online":true}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t)
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/metrics", "").Code)

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `chatsync_api_requests_total{method="GET",route="/metrics",status="200"}`)
}
