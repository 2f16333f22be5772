package http

import (
	"context"
	"errors"
	stdhttp "net/http"

	"github.com/dkeye/VoiceRoom/internal/app/session"
	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	ctx  context.Context
	opts Options
	ctrl Controller
}

type stateResponse struct {
	State  session.State `json:"state"`
	RoomID domain.RoomID `json:"roomId,omitempty"`
	User   domain.User   `json:"user"`
	Muted  bool          `json:"muted"`
	Error  string        `json:"error,omitempty"`
}

type targetRequest struct {
	PeerID string        `json:"peerId"`
	UserID domain.UserID `json:"userId" binding:"required"`
}

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

type joinRequest struct {
	RoomID   domain.RoomID `json:"roomId"`
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"name"`
}

func (h *handlers) state(c *gin.Context) {
	resp := stateResponse{
		State:  h.ctrl.State(),
		RoomID: h.ctrl.RoomID(),
		User:   h.ctrl.LocalUser(),
		Muted:  h.ctrl.Muted(),
	}
	if err := h.ctrl.Err(); err != nil {
		resp.Error = err.Error()
	}
	c.JSON(stdhttp.StatusOK, resp)
}

func (h *handlers) roster(c *gin.Context)   { c.JSON(stdhttp.StatusOK, h.ctrl.Roster()) }
func (h *handlers) hands(c *gin.Context)    { c.JSON(stdhttp.StatusOK, h.ctrl.Hands()) }
func (h *handlers) messages(c *gin.Context) { c.JSON(stdhttp.StatusOK, h.ctrl.Messages()) }
func (h *handlers) notices(c *gin.Context)  { c.JSON(stdhttp.StatusOK, h.ctrl.Notices()) }

func (h *handlers) peers(c *gin.Context) {
	list := h.ctrl.Peers()
	out := make([]gin.H, 0, len(list))
	for _, p := range list {
		out = append(out, gin.H{"peerId": p.PeerID, "userId": p.UserID, "state": p.State.String()})
	}
	c.JSON(stdhttp.StatusOK, out)
}

func (h *handlers) join(c *gin.Context) {
	var req joinRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "bad_payload"})
			return
		}
	}
	room := req.RoomID
	if room == "" {
		room = h.opts.RoomID
	}
	user := h.opts.User
	switch {
	case req.UserID != "":
		u, err := domain.NewUser(req.UserID, req.Username)
		if err != nil {
			c.JSON(stdhttp.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user = *u
	case req.Username != "":
		// same identity under another display name
		if err := user.SetUsername(req.Username); err != nil {
			c.JSON(stdhttp.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := h.ctrl.Join(h.ctx, room, user); err != nil {
		h.fail(c, "join", err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"roomId": room, "user": user})
}

func (h *handlers) leave(c *gin.Context) {
	h.ctrl.Leave()
	c.Status(stdhttp.StatusNoContent)
}

// command adapts a parameterless controller command.
func (h *handlers) command(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			h.fail(c, c.FullPath(), err)
			return
		}
		c.Status(stdhttp.StatusNoContent)
	}
}

func (h *handlers) target(c *gin.Context, fn func(targetRequest) error) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	if err := fn(req); err != nil {
		h.fail(c, c.FullPath(), err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

func (h *handlers) approve(c *gin.Context) {
	h.target(c, func(r targetRequest) error { return h.ctrl.ApproveSpeak(r.PeerID, r.UserID) })
}

func (h *handlers) reject(c *gin.Context) {
	h.target(c, func(r targetRequest) error { return h.ctrl.RejectSpeak(r.PeerID, r.UserID) })
}

func (h *handlers) returnAudience(c *gin.Context) {
	h.target(c, func(r targetRequest) error { return h.ctrl.ReturnToAudience(r.UserID) })
}

func (h *handlers) block(c *gin.Context) {
	h.target(c, func(r targetRequest) error { return h.ctrl.BlockUser(r.UserID) })
}

func (h *handlers) message(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(stdhttp.StatusBadRequest, gin.H{"error": "bad_payload"})
		return
	}
	msg, err := h.ctrl.SendMessage(req.Text)
	if err != nil {
		h.fail(c, "message", err)
		return
	}
	c.JSON(stdhttp.StatusCreated, msg)
}

func (h *handlers) fail(c *gin.Context, op string, err error) {
	code := statusOf(err)
	ev := log.Warn()
	if code >= stdhttp.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("module", "adapters.http").Str("op", op).Str("sid", c.GetString(clientTokenKey)).Msg("command failed")
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	var de *core.SignalingDeliveryError
	switch {
	case errors.Is(err, session.ErrNotAllowed):
		return stdhttp.StatusForbidden
	case errors.Is(err, session.ErrRateLimited):
		return stdhttp.StatusTooManyRequests
	case errors.Is(err, session.ErrTerminated):
		return stdhttp.StatusGone
	case errors.Is(err, session.ErrUnknownUser):
		return stdhttp.StatusNotFound
	case errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrNoLocalAudio), errors.Is(err, session.ErrJoinAborted):
		return stdhttp.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage), errors.Is(err, session.ErrMessageTooLong), errors.Is(err, session.ErrInvalidJoin):
		return stdhttp.StatusBadRequest
	case errors.As(err, &de):
		return stdhttp.StatusBadGateway
	}
	return stdhttp.StatusInternalServerError
}
