package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/database"
	"github.com/npezzotti/pilgrim-chat/internal/storage"
)

const (
	uploadFormField = "file"
	uploadMaxMemory = 1 << 20
	sniffLen        = 512
)

type LoginRequest struct {
	Id       string `json:"id"`
	Password string `json:"password"`
}

type StartConversationRequest struct {
	MemberId string `json:"member_id"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type MarkReadResponse struct {
	Updated int `json:"updated"`
}

type UploadResponse struct {
	URL string `json:"url"`
}

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *ChatApp) writeError(w http.ResponseWriter, err error) {
	var apiErr *ApiError
	if !errors.As(err, &apiErr) {
		apiErr = NewDomainError(err)
	}

	if apiErr.StatusCode >= http.StatusInternalServerError {
		s.log.Println(apiErr.Error())
	}

	s.writeJson(w, apiErr.StatusCode, apiErr)
}

func (s *ChatApp) decodeJson(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return NewRequestTooLargeError()
		}
		return NewBadRequestError()
	}
	return nil
}

func (s *ChatApp) currentMember(r *http.Request) string {
	memberId, _ := MemberId(r.Context())
	return memberId
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *ChatApp) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := s.decodeJson(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if !chat.ValidMemberId(req.Id) || req.Password == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	m, err := s.db.GetMember(r.Context(), req.Id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			s.writeError(w, NewNotFoundError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if !verifyPassword(m.PasswordHash, req.Password) {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	member, err := s.svc.GetMember(r.Context(), m.Id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	token, err := s.createJwtForSession(member, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.writeJson(w, http.StatusOK, member)
}

func (s *ChatApp) session(w http.ResponseWriter, r *http.Request) {
	member, err := s.svc.GetMember(r.Context(), s.currentMember(r))
	if err != nil {
		if errors.Is(err, chat.ErrMemberNotFound) {
			s.writeError(w, NewUnauthorizedError())
			return
		}
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, member)
}

func (s *ChatApp) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, createJwtCookie("", -time.Hour))
	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatApp) updateAccount(w http.ResponseWriter, r *http.Request) {
	var params chat.UpdateAccountParams
	if err := s.decodeJson(r, &params); err != nil {
		s.writeError(w, err)
		return
	}

	member, err := s.svc.UpdateAccount(r.Context(), s.currentMember(r), params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, member)
}

func (s *ChatApp) getMember(w http.ResponseWriter, r *http.Request) {
	member, err := s.svc.GetMember(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	// contact details stay private to the member
	if member.Id != s.currentMember(r) {
		member.Email = ""
		member.Phone = ""
	}

	s.writeJson(w, http.StatusOK, member)
}

func (s *ChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.svc.ListConversations(r.Context(), s.currentMember(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, convs)
}

func (s *ChatApp) startConversation(w http.ResponseWriter, r *http.Request) {
	var req StartConversationRequest
	if err := s.decodeJson(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	conv, created, err := s.svc.GetOrCreateConversation(r.Context(), s.currentMember(r), req.MemberId)
	if err != nil {
		s.writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	s.writeJson(w, status, conv)
}

func (s *ChatApp) listMessages(w http.ResponseWriter, r *http.Request) {
	page := chat.Page{Before: r.URL.Query().Get("before")}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			s.writeError(w, chat.ErrInvalidLimit)
			return
		}
		page.Limit = n
	}

	messages, err := s.svc.ListMessages(r.Context(), r.PathValue("id"), s.currentMember(r), page)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *ChatApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	var params chat.AppendParams
	if err := s.decodeJson(r, &params); err != nil {
		s.writeError(w, err)
		return
	}

	params.ConversationId = r.PathValue("id")
	params.SenderId = s.currentMember(r)

	msg, err := s.svc.Append(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
}

func (s *ChatApp) markRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.MarkRead(r.Context(), r.PathValue("id"), s.currentMember(r))
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, MarkReadResponse{Updated: n})
}

func (s *ChatApp) editMessage(w http.ResponseWriter, r *http.Request) {
	var req EditMessageRequest
	if err := s.decodeJson(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	msg, err := s.svc.Edit(r.Context(), s.currentMember(r), r.PathValue("id"), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, msg)
}

func (s *ChatApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), s.currentMember(r), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *ChatApp) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	if err := r.ParseMultipartForm(uploadMaxMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, NewRequestTooLargeError())
			return
		}
		s.writeError(w, NewBadRequestError())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		head := make([]byte, sniffLen)
		n, err := io.ReadFull(file, head)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			s.writeError(w, NewBadRequestError())
			return
		}
		contentType = http.DetectContentType(head[:n])
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
	}

	url, err := s.blobs.Upload(r.Context(), file, contentType)
	if err != nil {
		if errors.Is(err, storage.ErrUnsupportedType) {
			s.writeError(w, NewUnsupportedMediaTypeError())
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, UploadResponse{URL: url})
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	member, err := s.svc.GetMember(r.Context(), s.currentMember(r))
	if err != nil {
		if errors.Is(err, chat.ErrMemberNotFound) {
			s.writeError(w, NewUnauthorizedError())
			return
		}
		s.writeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(s.allowedOrigins, origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("upgrade:", err)
		return
	}

	s.rt.ServeClient(member, conn)
}
