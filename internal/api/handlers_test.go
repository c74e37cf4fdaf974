package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pilgrim-chat/internal/broker"
	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/config"
	"github.com/npezzotti/pilgrim-chat/internal/database"
	"github.com/npezzotti/pilgrim-chat/internal/notify"
	"github.com/npezzotti/pilgrim-chat/internal/stats"
	"github.com/npezzotti/pilgrim-chat/internal/storage"
	"github.com/npezzotti/pilgrim-chat/internal/testutil"
	"github.com/npezzotti/pilgrim-chat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeRealtime struct {
	mu      sync.Mutex
	members []types.Member
	served  chan struct{}
}

func (f *fakeRealtime) ServeClient(member types.Member, conn *websocket.Conn) {
	f.mu.Lock()
	f.members = append(f.members, member)
	f.mu.Unlock()
	conn.Close()
	f.served <- struct{}{}
}

type testApp struct {
	app      *ChatApp
	handler  http.Handler
	repo     *database.MemRepository
	rt       *fakeRealtime
	mediaDir string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	repo := database.NewMemRepository()
	for _, m := range []struct{ id, name, email, password string }{
		{"1001", "Aisha", "aisha@example.com", "zamzam"},
		{"2002", "Bilal", "bilal@example.com", "arafat"},
		{"3003", "Chen", "", "mina"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(m.password), bcrypt.MinCost)
		require.NoError(t, err)
		_, err = repo.UpsertMember(context.Background(), database.UpsertMemberParams{
			Id:           m.id,
			Name:         m.name,
			Email:        m.email,
			Phone:        "+4412345" + m.id,
			PasswordHash: string(hash),
		})
		require.NoError(t, err)
	}

	su := new(stats.MockStatsUpdater)
	su.On("Incr", mock.Anything).Return().Maybe()

	logger := testutil.TestLogger(t)
	svc := chat.NewService(logger, repo, broker.NewLocalBroker(), notify.Nop{}, su)

	mediaDir := t.TempDir()
	blobs, err := storage.NewFileStore(mediaDir, "http://media.test/media", logger)
	require.NoError(t, err)

	cfg := &config.Config{
		ServerAddr:     ":0",
		SigningKey:     []byte("test-signing-key"),
		AllowedOrigins: []string{"http://app.test"},
		MediaDir:       mediaDir,
		MaxUploadBytes: 1024,
	}

	rt := &fakeRealtime{served: make(chan struct{}, 1)}
	app := NewChatApp(http.NewServeMux(), logger, rt, repo, svc, blobs, cfg)

	return &testApp{
		app:      app,
		handler:  app.Handler(),
		repo:     repo,
		rt:       rt,
		mediaDir: mediaDir,
	}
}

func (ta *testApp) cookie(t *testing.T, memberId string) *http.Cookie {
	t.Helper()
	token, err := ta.app.createJwtForSession(types.Member{Id: memberId}, time.Hour)
	require.NoError(t, err)
	return createJwtCookie(token, time.Hour)
}

func (ta *testApp) do(t *testing.T, method, target, memberId string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, target, r)
	req.Header.Set("Content-Type", "application/json")
	if memberId != "" {
		req.AddCookie(ta.cookie(t, memberId))
	}

	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthCheck(t *testing.T) {
	tcases := []struct {
		name         string
		pingErr      error
		expectedCode int
	}{
		{
			name:         "healthy",
			expectedCode: http.StatusOK,
		},
		{
			name:         "database down",
			pingErr:      errors.New("connection refused"),
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := new(database.MockRepository)
			mockRepo.On("Ping").Return(tc.pingErr)

			app := &ChatApp{
				log: testutil.TestLogger(t),
				db:  mockRepo,
			}

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code)
			mockRepo.AssertExpectations(t)
		})
	}
}

func TestLogin(t *testing.T) {
	ta := newTestApp(t)

	tcases := []struct {
		name         string
		body         any
		expectedCode int
	}{
		{"success", LoginRequest{Id: "1001", Password: "zamzam"}, http.StatusOK},
		{"wrong password", LoginRequest{Id: "1001", Password: "nope"}, http.StatusUnauthorized},
		{"unknown member", LoginRequest{Id: "9999", Password: "zamzam"}, http.StatusNotFound},
		{"malformed id", LoginRequest{Id: "10", Password: "zamzam"}, http.StatusBadRequest},
		{"missing password", LoginRequest{Id: "1001"}, http.StatusBadRequest},
		{"invalid json", "{", http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, "/api/auth/login", "", tc.body)
			assert.Equal(t, tc.expectedCode, rr.Code, rr.Body.String())

			if tc.expectedCode != http.StatusOK {
				assert.Empty(t, rr.Result().Cookies())
				return
			}

			member := decode[types.Member](t, rr)
			assert.Equal(t, "Aisha", member.Name)

			cookies := rr.Result().Cookies()
			require.Len(t, cookies, 1)
			assert.Equal(t, tokenCookieKey, cookies[0].Name)
			assert.True(t, cookies[0].HttpOnly)

			memberId, err := ta.app.extractMemberIdFromToken(cookies[0].Value)
			require.NoError(t, err)
			assert.Equal(t, "1001", memberId)
		})
	}
}

func TestSessionAndLogout(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodGet, "/api/auth/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ta.do(t, http.MethodGet, "/api/auth/session", "2002", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Bilal", decode[types.Member](t, rr).Name)

	// a valid token for a member that no longer exists
	rr = ta.do(t, http.MethodGet, "/api/auth/session", "4004", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = ta.do(t, http.MethodGet, "/api/auth/logout", "2002", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	cookies := rr.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Empty(t, cookies[0].Value)
	assert.True(t, cookies[0].Expires.Before(time.Now()))
}

func TestGetMember(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodGet, "/api/members/2002", "1001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	other := decode[types.Member](t, rr)
	assert.Equal(t, "Bilal", other.Name)
	assert.Empty(t, other.Email)
	assert.Empty(t, other.Phone)

	rr = ta.do(t, http.MethodGet, "/api/members/1001", "1001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "aisha@example.com", decode[types.Member](t, rr).Email)

	rr = ta.do(t, http.MethodGet, "/api/members/9999", "1001", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	apiErr := decode[ApiError](t, rr)
	assert.Equal(t, string(chat.CodeNotFound), apiErr.Code)

	rr = ta.do(t, http.MethodGet, "/api/members/abc", "1001", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdateAccount(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodPut, "/api/account", "3003", chat.UpdateAccountParams{
		Name:  "  Chen Wei ",
		Email: "chen@example.com",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	member := decode[types.Member](t, rr)
	assert.Equal(t, "Chen Wei", member.Name)
	assert.Equal(t, "chen@example.com", member.Email)

	rr = ta.do(t, http.MethodPut, "/api/account", "3003", chat.UpdateAccountParams{Name: ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(t, http.MethodPut, "/api/account", "3003", chat.UpdateAccountParams{Name: "Chen", Email: "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestConversations(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodPost, "/api/conversations", "1001", StartConversationRequest{MemberId: "2002"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[types.Conversation](t, rr)
	assert.Equal(t, "1001", created.ParticipantA)
	assert.Equal(t, "2002", created.ParticipantB)

	rr = ta.do(t, http.MethodPost, "/api/conversations", "2002", StartConversationRequest{MemberId: "1001"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, created.Id, decode[types.Conversation](t, rr).Id)

	tcases := []struct {
		name         string
		memberId     string
		expectedCode int
	}{
		{"self", "1001", http.StatusBadRequest},
		{"malformed", "12", http.StatusBadRequest},
		{"unknown", "9999", http.StatusNotFound},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, "/api/conversations", "1001", StartConversationRequest{MemberId: tc.memberId})
			assert.Equal(t, tc.expectedCode, rr.Code)
		})
	}

	rr = ta.do(t, http.MethodGet, "/api/conversations", "1001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[[]types.Conversation](t, rr)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].OtherMember)
	assert.Equal(t, "Bilal", list[0].OtherMember.Name)

	rr = ta.do(t, http.MethodGet, "/api/conversations", "3003", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[[]types.Conversation](t, rr))
}

func TestMessageLifecycle(t *testing.T) {
	ta := newTestApp(t)

	rr := ta.do(t, http.MethodPost, "/api/conversations", "1001", StartConversationRequest{MemberId: "2002"})
	require.Equal(t, http.StatusCreated, rr.Code)
	conv := decode[types.Conversation](t, rr)
	messagesURL := "/api/conversations/" + conv.Id + "/messages"

	rr = ta.do(t, http.MethodPost, messagesURL, "1001", chat.AppendParams{Content: " salaam "})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decode[types.Message](t, rr)
	assert.Equal(t, "salaam", first.Content)
	assert.Equal(t, types.MessageTypeText, first.Type)
	assert.Equal(t, "1001", first.SenderId)

	rr = ta.do(t, http.MethodPost, messagesURL, "2002", chat.AppendParams{Content: "wa alaikum", ReplyToId: &first.Id})
	require.Equal(t, http.StatusCreated, rr.Code)
	reply := decode[types.Message](t, rr)
	require.NotNil(t, reply.ReplyToId)
	assert.Equal(t, first.Id, *reply.ReplyToId)

	rr = ta.do(t, http.MethodPost, messagesURL, "3003", chat.AppendParams{Content: "hi"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ta.do(t, http.MethodPost, messagesURL, "1001", chat.AppendParams{Content: "   "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(t, http.MethodGet, messagesURL, "1001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	history := decode[[]types.Message](t, rr)
	require.Len(t, history, 2)
	assert.Equal(t, first.Id, history[0].Id)

	rr = ta.do(t, http.MethodGet, messagesURL+"?before="+reply.Id+"&limit=1", "1001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[[]types.Message](t, rr)
	require.Len(t, page, 1)
	assert.Equal(t, first.Id, page[0].Id)

	rr = ta.do(t, http.MethodGet, messagesURL+"?limit=abc", "1001", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ta.do(t, http.MethodGet, messagesURL, "3003", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ta.do(t, http.MethodPost, "/api/conversations/"+conv.Id+"/read", "1001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[MarkReadResponse](t, rr).Updated)

	rr = ta.do(t, http.MethodPost, "/api/conversations/"+conv.Id+"/read", "1001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0, decode[MarkReadResponse](t, rr).Updated)

	rr = ta.do(t, http.MethodPatch, "/api/messages/"+first.Id, "2002", EditMessageRequest{Content: "hijacked"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ta.do(t, http.MethodPatch, "/api/messages/"+first.Id, "1001", EditMessageRequest{Content: "salaam alaikum"})
	require.Equal(t, http.StatusOK, rr.Code)
	edited := decode[types.Message](t, rr)
	assert.Equal(t, "salaam alaikum", edited.Content)
	assert.NotNil(t, edited.EditedAt)
	assert.True(t, edited.CreatedAt.Equal(first.CreatedAt))

	rr = ta.do(t, http.MethodDelete, "/api/messages/"+first.Id, "2002", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ta.do(t, http.MethodDelete, "/api/messages/"+first.Id, "1001", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = ta.do(t, http.MethodDelete, "/api/messages/"+first.Id, "1001", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ta.do(t, http.MethodGet, messagesURL, "2002", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	history = decode[[]types.Message](t, rr)
	require.Len(t, history, 1)
	assert.Equal(t, reply.Id, history[0].Id)
	assert.Equal(t, first.Id, *history[0].ReplyToId)
}

func uploadRequest(t *testing.T, ta *testApp, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="clip"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(ta.cookie(t, "1001"))

	rr := httptest.NewRecorder()
	ta.handler.ServeHTTP(rr, req)
	return rr
}

func TestUpload(t *testing.T) {
	t.Run("audio", func(t *testing.T) {
		ta := newTestApp(t)

		rr := uploadRequest(t, ta, "audio/webm", []byte("voice-bytes"))
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		resp := decode[UploadResponse](t, rr)
		assert.True(t, strings.HasPrefix(resp.URL, "http://media.test/media/"), resp.URL)
		assert.True(t, strings.HasSuffix(resp.URL, ".webm"), resp.URL)

		name := strings.TrimPrefix(resp.URL, "http://media.test/media/")
		data, err := os.ReadFile(filepath.Join(ta.mediaDir, name))
		require.NoError(t, err)
		assert.Equal(t, "voice-bytes", string(data))

		req := httptest.NewRequest(http.MethodGet, "/media/"+name, nil)
		served := httptest.NewRecorder()
		ta.handler.ServeHTTP(served, req)
		assert.Equal(t, http.StatusOK, served.Code)
		assert.Equal(t, "voice-bytes", served.Body.String())
	})

	t.Run("unsupported type", func(t *testing.T) {
		ta := newTestApp(t)
		rr := uploadRequest(t, ta, "text/plain", []byte("hello"))
		assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	})

	t.Run("sniffed type", func(t *testing.T) {
		ta := newTestApp(t)
		rr := uploadRequest(t, ta, "application/octet-stream", []byte("plain words"))
		assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	})

	t.Run("too large", func(t *testing.T) {
		ta := newTestApp(t)
		rr := uploadRequest(t, ta, "video/mp4", bytes.Repeat([]byte("x"), 4096))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		ta := newTestApp(t)
		req := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
		rr := httptest.NewRecorder()
		ta.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestServeWs(t *testing.T) {
	ta := newTestApp(t)
	srv := httptest.NewServer(ta.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("unauthenticated", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		header := http.Header{}
		header.Set("Cookie", ta.cookie(t, "1001").String())
		header.Set("Origin", "http://evil.test")

		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("upgrade", func(t *testing.T) {
		header := http.Header{}
		header.Set("Cookie", ta.cookie(t, "1001").String())
		header.Set("Origin", "http://app.test")

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)
		defer conn.Close()

		select {
		case <-ta.rt.served:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for ServeClient")
		}

		ta.rt.mu.Lock()
		defer ta.rt.mu.Unlock()
		require.Len(t, ta.rt.members, 1)
		assert.Equal(t, "1001", ta.rt.members[0].Id)
		assert.Equal(t, "Aisha", ta.rt.members[0].Name)
	})
}

func TestNewDomainError(t *testing.T) {
	tcases := []struct {
		name         string
		err          error
		expectedCode int
		expectedMsg  string
	}{
		{"not found", chat.ErrConversationNotFound, http.StatusNotFound, chat.ErrConversationNotFound.Message},
		{"forbidden", chat.ErrNotParticipant, http.StatusForbidden, chat.ErrNotParticipant.Message},
		{"invalid", chat.ErrEmptyContent, http.StatusBadRequest, chat.ErrEmptyContent.Message},
		{"internal", chat.Internal(errors.New("disk on fire")), http.StatusInternalServerError, "internal server error"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := NewDomainError(tc.err)
			assert.Equal(t, tc.expectedCode, apiErr.StatusCode)
			assert.Equal(t, tc.expectedMsg, apiErr.Message)
			assert.ErrorIs(t, apiErr, tc.err)
		})
	}
}
