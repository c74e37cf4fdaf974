package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Subscribe   *types.Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *types.Unsubscribe `json:"unsubscribe,omitempty"`
	Track       *types.Track       `json:"track,omitempty"`
	MemberId    string             `json:"-"`
	client      *Client            `json:"-"`
	// internal marks messages the server generates on a client's behalf;
	// they are never acknowledged.
	internal bool `json:"-"`
}

func (m *ClientMessage) reply(msg *ServerMessage) {
	if m.internal || m.client == nil {
		return
	}
	m.client.queueMessage(msg)
}

type ServerMessage struct {
	BaseMessage
	Response   *Response            `json:"response,omitempty"`
	Event      *types.TopicEvent    `json:"event,omitempty"`
	Presence   *types.PresenceEvent `json:"presence,omitempty"`
	SkipClient *Client              `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

func response(id, code int, errMsg string, data any) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return response(id, http.StatusAccepted, "", nil)
}

func ErrTopicNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "topic not found", nil)
}

func ErrNotSubscribed(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "not subscribed to topic", nil)
}

func ErrNotPresenceTopic(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "topic does not track presence", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return response(id, http.StatusBadRequest, "invalid message format", nil)
}

// ErrFromError converts a domain error into a response frame.
func ErrFromError(id int, err error) *ServerMessage {
	var e *chat.Error
	if !errors.As(err, &e) || e.Code == chat.CodeInternal {
		return ErrInternalError(id)
	}

	return response(id, StatusCode(e.Code), e.Message, nil)
}

// StatusCode maps a domain error code to its HTTP status.
func StatusCode(code chat.Code) int {
	switch code {
	case chat.CodeNotFound:
		return http.StatusNotFound
	case chat.CodeForbidden:
		return http.StatusForbidden
	case chat.CodeInvalid:
		return http.StatusBadRequest
	case chat.CodeUnauthorized:
		return http.StatusUnauthorized
	case chat.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func presenceMessage(topic string, kind types.PresenceKind, entries ...types.PresenceEntry) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Presence: &types.PresenceEvent{
			Topic:   topic,
			Kind:    kind,
			Entries: entries,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
