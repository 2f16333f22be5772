package http

import (
	"context"

	"github.com/dkeye/VoiceRoom/internal/app/peers"
	"github.com/dkeye/VoiceRoom/internal/app/session"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Controller is the room session surface exposed to the UI.
// *session.Controller implements it.
type Controller interface {
	Join(ctx context.Context, roomID domain.RoomID, user domain.User) error
	Leave()

	Mute() error
	Unmute() error
	RaiseHand() error
	ApproveSpeak(peerID string, userID domain.UserID) error
	RejectSpeak(peerID string, userID domain.UserID) error
	ReturnToAudience(userID domain.UserID) error
	EndRoom() error
	BlockUser(userID domain.UserID) error
	SendMessage(text string) (domain.ChatMessage, error)

	State() session.State
	Err() error
	RoomID() domain.RoomID
	LocalUser() domain.User
	Muted() bool
	Roster() []domain.Participant
	Hands() []domain.HandRaiseRequest
	Messages() []domain.ChatMessage
	Notices() []session.Notice
	Peers() []peers.Info
}

type Options struct {
	Mode   string
	Secret string
	// User and RoomID are used by POST /api/join when the body leaves them out.
	User   domain.User
	RoomID domain.RoomID
}

const clientTokenKey = "client_token"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every UI client a stable token kept in its
// session cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		s := sessions.Default(c)
		token, _ := s.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			s.Set(clientTokenKey, token)
			if err := s.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, opts Options, ctrl Controller) *gin.Engine {
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(opts.Secret))
	r.Use(sessions.Sessions("VoiceRoomSessions", store))
	r.Use(ClientTokenMiddleware())

	h := &handlers{ctx: ctx, opts: opts, ctrl: ctrl}
	api := r.Group("/api")

	api.GET("/state", h.state)
	api.GET("/roster", h.roster)
	api.GET("/hands", h.hands)
	api.GET("/messages", h.messages)
	api.GET("/notices", h.notices)
	api.GET("/peers", h.peers)

	api.POST("/join", h.join)
	api.POST("/leave", h.leave)
	api.POST("/mute", h.command(ctrl.Mute))
	api.POST("/unmute", h.command(ctrl.Unmute))
	api.POST("/raise-hand", h.command(ctrl.RaiseHand))
	api.POST("/end", h.command(ctrl.EndRoom))
	api.POST("/approve", h.approve)
	api.POST("/reject", h.reject)
	api.POST("/return-audience", h.returnAudience)
	api.POST("/block", h.block)
	api.POST("/message", h.message)

	log.Info().Str("module", "adapters.http").Str("mode", opts.Mode).Msg("router setup")
	return r
}
