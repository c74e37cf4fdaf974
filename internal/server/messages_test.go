package server

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestNoErrOk(t *testing.T) {
	data := types.SubscribeResult{Topic: "online"}
	result := NoErrOK(1, data)

	assert.NotNil(t, result, "expected result to be non-nil")
	assert.NotNil(t, result.Response, "expected response to be non-nil")
	assert.Equal(t, 1, result.Id, "expected Id to match")
	assert.WithinDuration(t, Now(), result.Timestamp, time.Second, "expected Timestamp to be within 1 second")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode, "expected ResponseCode to match")
	assert.Equal(t, data, result.Response.Data, "expected Data to match")
	assert.Empty(t, result.Response.Error, "expected no error")
}

func TestResponseHelpers(t *testing.T) {
	tcs := []struct {
		name     string
		msg      *ServerMessage
		code     int
		errorMsg string
	}{
		{name: "accepted", msg: NoErrAccepted(2), code: http.StatusAccepted},
		{name: "topic not found", msg: ErrTopicNotFound(2), code: http.StatusNotFound, errorMsg: "topic not found"},
		{name: "not subscribed", msg: ErrNotSubscribed(2), code: http.StatusNotFound, errorMsg: "not subscribed to topic"},
		{name: "not presence topic", msg: ErrNotPresenceTopic(2), code: http.StatusBadRequest, errorMsg: "topic does not track presence"},
		{name: "internal", msg: ErrInternalError(2), code: http.StatusInternalServerError, errorMsg: "internal server error"},
		{name: "unavailable", msg: ErrServiceUnavailable(2), code: http.StatusServiceUnavailable, errorMsg: "service unavailable"},
		{name: "invalid", msg: ErrInvalidMessage(2), code: http.StatusBadRequest, errorMsg: "invalid message format"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, 2, tc.msg.Id, "expected id to be echoed")
			assert.Equal(t, tc.code, tc.msg.Response.ResponseCode)
			assert.Equal(t, tc.errorMsg, tc.msg.Response.Error)
		})
	}
}

func TestErrInvalidMessageWithoutId(t *testing.T) {
	msg := ErrInvalidMessage(-1)
	assert.Equal(t, 0, msg.Id, "expected negative id to be omitted")
}

func TestErrFromError(t *testing.T) {
	tcs := []struct {
		name     string
		err      error
		code     int
		errorMsg string
	}{
		{name: "not participant", err: chat.ErrNotParticipant, code: http.StatusForbidden, errorMsg: chat.ErrNotParticipant.Message},
		{name: "not found", err: chat.ErrConversationNotFound, code: http.StatusNotFound, errorMsg: "conversation not found"},
		{name: "unknown topic", err: chat.ErrUnknownTopic, code: http.StatusBadRequest, errorMsg: "unknown topic"},
		{name: "unavailable", err: chat.Unavailable(errors.New("db down")), code: http.StatusServiceUnavailable, errorMsg: "service unavailable"},
		{name: "internal", err: chat.Internal(errors.New("boom")), code: http.StatusInternalServerError, errorMsg: "internal server error"},
		{name: "plain error", err: errors.New("boom"), code: http.StatusInternalServerError, errorMsg: "internal server error"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			msg := ErrFromError(7, tc.err)
			assert.Equal(t, 7, msg.Id)
			assert.Equal(t, tc.code, msg.Response.ResponseCode)
			assert.Equal(t, tc.errorMsg, msg.Response.Error)
		})
	}
}

func TestReplySkipsInternalMessages(t *testing.T) {
	c := &Client{send: make(chan *ServerMessage, 1)}

	(&ClientMessage{client: c, internal: true}).reply(NoErrOK(1, nil))
	assert.Len(t, c.send, 0, "expected no reply for internal message")

	(&ClientMessage{client: c}).reply(NoErrOK(1, nil))
	assert.Len(t, c.send, 1, "expected reply for client message")
}
