package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hugh/escanv/internal/api/dto"
	"github.com/hugh/escanv/internal/assistant"
	"github.com/hugh/escanv/internal/database"
	"github.com/hugh/escanv/internal/scan"
	"github.com/hugh/escanv/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createConversation(t *testing.T, env *testEnv) string {
	t.Helper()

	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, testutil.JSONRequest(t, http.MethodPost, "/api/v1/conversations", nil))
	testutil.AssertStatus(t, rr, http.StatusCreated)

	var resp dto.ConversationResponse
	testutil.ParseJSONResponse(t, rr, &resp)
	require.NotEmpty(t, resp.ID)
	assert.Empty(t, resp.Messages)
	return resp.ID
}

func sendMessage(t *testing.T, env *testEnv, convID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, testutil.JSONRequest(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", body))
	return rr
}

func getConversation(t *testing.T, env *testEnv, convID string) dto.ConversationResponse {
	t.Helper()

	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, testutil.JSONRequest(t, http.MethodGet, "/api/v1/conversations/"+convID, nil))
	testutil.AssertStatus(t, rr, http.StatusOK)

	var resp dto.ConversationResponse
	testutil.ParseJSONResponse(t, rr, &resp)
	return resp
}

func TestChatHandler_SendMessageStreamsReply(t *testing.T) {
	env := setupTestEnv(t)
	convID := createConversation(t, env)

	rr := sendMessage(t, env, convID, map[string]string{"content": "How do I fix an exposed MySQL port?"})
	testutil.AssertStatus(t, rr, http.StatusOK)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	want := "data: {\"delta\":\"Hello\"}\n\n" +
		"data: {\"delta\":\" there\"}\n\n" +
		"data: [DONE]\n\n"
	assert.Equal(t, want, rr.Body.String())

	conv := getConversation(t, env, convID)
	assert.False(t, conv.InProgress)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, assistant.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "How do I fix an exposed MySQL port?", conv.Messages[0].Content)
	assert.Equal(t, assistant.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Hello there", conv.Messages[1].Content)
}

func TestChatHandler_SecondTurnCarriesHistory(t *testing.T) {
	env := setupTestEnv(t)
	convID := createConversation(t, env)

	testutil.AssertStatus(t, sendMessage(t, env, convID, map[string]string{"content": "first"}), http.StatusOK)
	testutil.AssertStatus(t, sendMessage(t, env, convID, map[string]string{"content": "second"}), http.StatusOK)

	bodies := env.gateway.Bodies()
	require.Len(t, bodies, 2)

	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		Stream bool `json:"stream"`
	}
	require.NoError(t, json.Unmarshal(bodies[1], &req))
	assert.True(t, req.Stream)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "first", req.Messages[1].Content)
	assert.Equal(t, "Hello there", req.Messages[2].Content)
	assert.Equal(t, "second", req.Messages[3].Content)
}

func TestChatHandler_SendMessageWithScanFindings(t *testing.T) {
	env := setupTestEnv(t)

	sess := env.manager.Create()
	require.NoError(t, sess.Start("10.0.0.5"))
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not finish")
	}
	require.Equal(t, scan.StateCompleted, sess.Snapshot().State)

	convID := createConversation(t, env)
	rr := sendMessage(t, env, convID, map[string]string{"content": "what should I fix first?", "scan_id": sess.ID()})
	testutil.AssertStatus(t, rr, http.StatusOK)

	bodies := env.gateway.Bodies()
	require.Len(t, bodies, 1)
	assert.Contains(t, string(bodies[0]), "REAL SCAN FINDINGS")
	assert.Contains(t, string(bodies[0]), "MySQL exposed [INFO]")
	assert.Contains(t, string(bodies[0]), "OpenSSH outdated [HIGH]")
}

func TestChatHandler_SendMessageValidation(t *testing.T) {
	env := setupTestEnv(t)
	convID := createConversation(t, env)

	tests := []struct {
		name       string
		convID     string
		body       interface{}
		wantStatus int
	}{
		{"blank message", convID, map[string]string{"content": "  \n "}, http.StatusBadRequest},
		{"too long", convID, map[string]string{"content": strings.Repeat("a", 8001)}, http.StatusBadRequest},
		{"malformed scan id", convID, map[string]string{"content": "hi", "scan_id": "nope"}, http.StatusBadRequest},
		{"unknown scan", convID, map[string]string{"content": "hi", "scan_id": "4f1c2d9e-8b7a-4c3d-9e2f-1a2b3c4d5e6f"}, http.StatusNotFound},
		{"unknown conversation", "4f1c2d9e-8b7a-4c3d-9e2f-1a2b3c4d5e6f", map[string]string{"content": "hi"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := sendMessage(t, env, tt.convID, tt.body)
			testutil.AssertStatus(t, rr, tt.wantStatus)
			assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
		})
	}

	assert.Empty(t, env.gateway.Bodies())
	assert.Empty(t, getConversation(t, env, convID).Messages)
}

func TestChatHandler_TurnInProgress(t *testing.T) {
	env := setupTestEnv(t)
	convID := createConversation(t, env)

	conv, err := env.registry.Get(context.Background(), convID)
	require.NoError(t, err)
	_, err = conv.StartTurn("still streaming")
	require.NoError(t, err)

	rr := sendMessage(t, env, convID, map[string]string{"content": "another"})
	testutil.AssertStatus(t, rr, http.StatusConflict)
	assert.Empty(t, env.gateway.Bodies())
}

func TestChatHandler_GatewayFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		wantStatus int
		wantNotice string
	}{
		{"rate limited", http.StatusTooManyRequests, http.StatusTooManyRequests, assistant.NoticeRateLimited},
		{"quota exhausted", http.StatusPaymentRequired, http.StatusPaymentRequired, assistant.NoticeQuotaExhausted},
		{"server error", http.StatusInternalServerError, http.StatusBadGateway, assistant.NoticeServiceError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			env.gateway.SetStatus(tt.status)
			convID := createConversation(t, env)

			rr := sendMessage(t, env, convID, map[string]string{"content": "hello"})
			testutil.AssertStatus(t, rr, tt.wantStatus)

			var resp dto.ErrorResponse
			testutil.ParseJSONResponse(t, rr, &resp)
			assert.Equal(t, tt.wantNotice, resp.Error)

			conv := getConversation(t, env, convID)
			assert.False(t, conv.InProgress)
			require.Len(t, conv.Messages, 2)
			assert.Equal(t, assistant.RoleUser, conv.Messages[0].Role)
			assert.True(t, conv.Messages[1].Notice)
			assert.Equal(t, tt.wantNotice, conv.Messages[1].Content)
		})
	}
}

func TestChatHandler_ConversationRestoredFromStore(t *testing.T) {
	env := setupTestEnv(t)
	convID := createConversation(t, env)
	testutil.AssertStatus(t, sendMessage(t, env, convID, map[string]string{"content": "remember me"}), http.StatusOK)

	// A registry without the conversation in memory reloads the transcript.
	restored := assistant.NewRegistry(database.NewTranscriptStore(env.db))
	conv, err := restored.Get(context.Background(), convID)
	require.NoError(t, err)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "remember me", msgs[0].Content)
	assert.Equal(t, "Hello there", msgs[1].Content)
	assert.False(t, conv.InProgress())

	_, err = restored.Get(context.Background(), "4f1c2d9e-8b7a-4c3d-9e2f-1a2b3c4d5e6f")
	assert.ErrorIs(t, err, assistant.ErrConversationNotFound)
}
