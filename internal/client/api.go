package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

const defaultRequestTimeout = 30 * time.Second

// API is an HTTP client for the chat service. The session cookie set by
// Login is kept in a cookie jar and reused for the realtime connection.
type API struct {
	log  *log.Logger
	base *url.URL
	http *http.Client
}

func NewAPI(baseURL string, logger *log.Logger) (*API, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", baseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	return &API{
		log:  logger,
		base: base,
		http: &http.Client{Jar: jar, Timeout: defaultRequestTimeout},
	}, nil
}

// errorBody mirrors the JSON error bodies written by the service.
type errorBody struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// codeForStatus maps an HTTP or websocket response code to a domain code.
func codeForStatus(status int) chat.Code {
	switch status {
	case http.StatusNotFound:
		return chat.CodeNotFound
	case http.StatusForbidden:
		return chat.CodeForbidden
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return chat.CodeInvalid
	case http.StatusUnauthorized:
		return chat.CodeUnauthorized
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return chat.CodeUnavailable
	default:
		return chat.CodeInternal
	}
}

func decodeError(resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		body.Message = strings.ToLower(http.StatusText(resp.StatusCode))
	}

	code := chat.Code(body.Code)
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}

	return &chat.Error{Code: code, Message: body.Message}
}

func (a *API) endpoint(path string, query url.Values) string {
	u := *a.base
	u.Path = a.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.endpoint(path, query), body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	return a.send(req, out)
}

func (a *API) send(req *http.Request, out any) error {
	resp, err := a.http.Do(req)
	if err != nil {
		return chat.Unavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chat.Unavailable(fmt.Errorf("decode response: %w", err))
	}

	return nil
}

func (a *API) Login(ctx context.Context, memberId, password string) (types.Member, error) {
	var m types.Member
	err := a.do(ctx, http.MethodPost, "/api/auth/login", nil, map[string]string{
		"id":       memberId,
		"password": password,
	}, &m)
	return m, err
}

func (a *API) Session(ctx context.Context) (types.Member, error) {
	var m types.Member
	err := a.do(ctx, http.MethodGet, "/api/auth/session", nil, nil, &m)
	return m, err
}

func (a *API) Logout(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/api/auth/logout", nil, nil, nil)
}

func (a *API) GetMember(ctx context.Context, memberId string) (types.Member, error) {
	var m types.Member
	err := a.do(ctx, http.MethodGet, "/api/members/"+url.PathEscape(memberId), nil, nil, &m)
	return m, err
}

func (a *API) UpdateAccount(ctx context.Context, params chat.UpdateAccountParams) (types.Member, error) {
	var m types.Member
	err := a.do(ctx, http.MethodPut, "/api/account", nil, params, &m)
	return m, err
}

func (a *API) StartConversation(ctx context.Context, memberId string) (types.Conversation, error) {
	var c types.Conversation
	err := a.do(ctx, http.MethodPost, "/api/conversations", nil, map[string]string{"member_id": memberId}, &c)
	return c, err
}

func (a *API) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	var convs []types.Conversation
	err := a.do(ctx, http.MethodGet, "/api/conversations", nil, nil, &convs)
	return convs, err
}

func (a *API) ListMessages(ctx context.Context, conversationId string, page chat.Page) ([]types.Message, error) {
	query := url.Values{}
	if page.Before != "" {
		query.Set("before", page.Before)
	}
	if page.Limit != 0 {
		query.Set("limit", strconv.Itoa(page.Limit))
	}

	var messages []types.Message
	err := a.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationId)+"/messages", query, nil, &messages)
	return messages, err
}

func (a *API) SendMessage(ctx context.Context, params chat.AppendParams) (types.Message, error) {
	var m types.Message
	err := a.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(params.ConversationId)+"/messages", nil, params, &m)
	return m, err
}

func (a *API) EditMessage(ctx context.Context, messageId, content string) (types.Message, error) {
	var m types.Message
	err := a.do(ctx, http.MethodPatch, "/api/messages/"+url.PathEscape(messageId), nil, map[string]string{"content": content}, &m)
	return m, err
}

func (a *API) DeleteMessage(ctx context.Context, messageId string) error {
	return a.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageId), nil, nil, nil)
}

func (a *API) MarkRead(ctx context.Context, conversationId string) (int, error) {
	var resp struct {
		Updated int `json:"updated"`
	}
	err := a.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationId)+"/read", nil, nil, &resp)
	return resp.Updated, err
}

// Upload stores media and returns the URL to use as message content.
func (a *API) Upload(ctx context.Context, r io.Reader, filename, contentType string) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}

	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("create part: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/api/uploads", nil), body)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp struct {
		URL string `json:"url"`
	}
	if err := a.send(req, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", chat.Unavailable(errors.New("upload returned no url"))
	}

	return resp.URL, nil
}

// RealtimeURL is the websocket endpoint of the service.
func (a *API) RealtimeURL() string {
	u := *a.base
	u.Path = a.base.Path + "/ws"
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// DialRealtime opens the realtime connection with the session cookie.
func (a *API) DialRealtime(ctx context.Context) (*Conn, error) {
	var cookies []string
	for _, c := range a.http.Jar.Cookies(a.base) {
		cookies = append(cookies, c.String())
	}

	header := http.Header{}
	if len(cookies) > 0 {
		header.Set("Cookie", strings.Join(cookies, "; "))
	}

	return Dial(ctx, a.RealtimeURL(), header, a.log)
}
