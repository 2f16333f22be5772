// Package session runs one room session: it owns the signaling subscriptions,
// the peer pool, the local media and the roster for the room being joined.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/VoiceRoom/internal/app"
	"github.com/dkeye/VoiceRoom/internal/app/media"
	"github.com/dkeye/VoiceRoom/internal/app/peers"
	"github.com/dkeye/VoiceRoom/internal/app/roster"
	"github.com/dkeye/VoiceRoom/internal/app/sink"
	"github.com/dkeye/VoiceRoom/internal/app/speaking"
	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidJoin    = errors.New("room id and user id are required")
	ErrTerminated     = errors.New("room session was terminated")
	ErrNotActive      = errors.New("no active room session")
	ErrJoinAborted    = errors.New("join aborted")
	ErrNotAllowed     = errors.New("command not allowed")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnknownUser    = errors.New("unknown participant")
	ErrNoLocalAudio   = errors.New("no local audio captured")
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message too long")
)

type State string

const (
	StateIdle    State = "idle"
	StateJoining State = "joining"
	StateActive  State = "active"
	StateLeaving State = "leaving"
	StateEnded   State = "ended"
)

// LocalMedia is the capture side driven by the controller. *media.Manager
// implements it.
type LocalMedia interface {
	Capture(ctx context.Context, c media.Constraints) (media.TrackSet, error)
	SetEnabled(kind webrtc.RTPCodecType, enabled bool)
	Captured() bool
	AudioLevel() (float64, bool)
	AttachTo(conn core.PeerConnection) (bool, error)
	Stop()
}

type Deps struct {
	// Dial returns a fresh signaling channel for each join.
	Dial        func() core.SignalingClient
	Connections core.ConnectionFactory
	Media       LocalMedia
	Sinks       sink.Factory
	Policy      app.Policy
}

type Config struct {
	GlareRetry        time.Duration
	SpeculativeWindow time.Duration
	Speaking          speaking.Config
	ChatCapacity      int
	RateLimit         int
	RateInterval      time.Duration
}

const (
	DefaultRateLimit    = 5
	DefaultRateInterval = 10 * time.Second
)

// run is everything scoped to one join. Handlers carry their run and drop
// events once it is no longer current. torn is closed once teardown has
// released everything the run held.
type run struct {
	roomID  domain.RoomID
	ctx     context.Context
	cancel  context.CancelFunc
	signal  core.SignalingClient
	pool    *peers.Pool
	monitor *speaking.Monitor
	subs    []core.Subscription
	unwatch func()

	tornOnce sync.Once
	torn     chan struct{}
}

type Controller struct {
	deps   Deps
	cfg    Config
	policy app.Policy
	log    zerolog.Logger

	roster  *roster.Store
	hands   *roster.HandQueue
	chat    *ChatLog
	ledger  *Ledger
	limiter *RateLimiter
	sinks   *sink.Registry
	notices noticeBoard
	sinkMu  sync.Mutex

	// mediaMu orders a join's capture against teardown's release of it.
	mediaMu sync.Mutex

	// peerMu orders roster effects of remote tracks against peer removal.
	peerMu sync.Mutex

	mu       sync.Mutex
	state    State
	local    domain.User
	run      *run
	retired  *run
	muted    bool
	canSpeak bool
	ended    map[domain.RoomID]core.TerminationReason
	err      error
}

func New(deps Deps, cfg Config) *Controller {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = DefaultRateInterval
	}
	policy := deps.Policy
	if policy == nil {
		policy = app.RolePolicy{}
	}
	return &Controller{
		deps:    deps,
		cfg:     cfg,
		policy:  policy,
		log:     log.With().Str("module", "session").Logger(),
		roster:  roster.NewStore(),
		hands:   roster.NewHandQueue(),
		chat:    NewChatLog(cfg.ChatCapacity),
		ledger:  NewLedger(cfg.SpeculativeWindow),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		sinks:   sink.NewRegistry(),
		state:   StateIdle,
		muted:   true,
		ended:   make(map[domain.RoomID]core.TerminationReason),
	}
}

// Join enters roomID as localUser. A session that is already running is
// left first, and Join waits until it has been torn down. A room this
// controller was removed from cannot be rejoined.
func (c *Controller) Join(ctx context.Context, roomID domain.RoomID, localUser domain.User) error {
	if roomID == "" || localUser.ID == "" {
		return ErrInvalidJoin
	}
	c.mu.Lock()
	if reason, ok := c.ended[roomID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTerminated, reason)
	}
	c.mu.Unlock()

	c.Leave()
	if err := c.awaitTeardown(ctx); err != nil {
		return err
	}
	c.resetRoom()

	rctx, cancel := context.WithCancel(context.Background())
	rn := &run{roomID: roomID, ctx: rctx, cancel: cancel, signal: c.deps.Dial(), torn: make(chan struct{})}
	onTrack := func(ctx context.Context, peer peers.Info, track core.RemoteTrack) {
		c.onRemoteTrack(rn, ctx, peer, track)
	}
	rn.pool = peers.NewPool(peers.Config{
		Factory:    c.deps.Connections,
		Signal:     rn.signal,
		Media:      c.deps.Media,
		CanSend:    c.localCanSpeak,
		OnTrack:    onTrack,
		GlareRetry: c.cfg.GlareRetry,
	})
	if c.deps.Media != nil {
		rn.monitor = speaking.NewMonitor(c.deps.Media, c.speakingGate, func(on bool) { c.onSpeaking(rn, on) }, c.cfg.Speaking)
	}
	c.subscribe(rn)
	rn.unwatch = c.roster.Subscribe(func(list []domain.Participant) { c.provideSinks(rn, list) })

	c.mu.Lock()
	if c.run != nil {
		c.mu.Unlock()
		c.teardown(rn, false)
		return ErrJoinAborted
	}
	c.run = rn
	c.state = StateJoining
	c.local = localUser
	c.muted = true
	c.canSpeak = false
	c.err = nil
	c.mu.Unlock()

	l := c.log.With().Str("room_id", string(roomID)).Str("user_id", string(localUser.ID)).Logger()

	if err := rn.signal.Connect(ctx); err != nil {
		c.abortJoin(rn)
		return fmt.Errorf("connect signaling: %w", err)
	}
	go c.watch(rn)

	current, err := c.captureLocal(ctx, rn)
	if !current {
		return ErrJoinAborted
	}
	if err != nil {
		l.Warn().Err(err).Msg("joining without outbound audio")
		c.notices.add(NoticeCapture, captureNotice(err))
	}

	role := domain.RoleAudience
	if localUser.Admin {
		role = domain.RoleAdmin
	}
	c.roster.Upsert(domain.Presence(localUser).WithRole(role).WithMuted(true).WithSpeaking(false))
	c.syncLocal(rn)

	if err := rn.signal.Emit(core.EventJoin, core.JoinOut{RoomID: roomID, User: localUser}); err != nil {
		c.abortJoin(rn)
		return &core.SignalingDeliveryError{Err: err}
	}
	if rn.monitor != nil {
		rn.monitor.Start(rn.ctx)
	}

	c.mu.Lock()
	if c.run != rn {
		c.mu.Unlock()
		return ErrJoinAborted
	}
	c.state = StateActive
	c.mu.Unlock()

	l.Info().Str("role", string(role)).Msg("joined room")
	return nil
}

// captureLocal acquires local audio for rn. Tearing rn down cancels the
// capture, and a capture that still completes after rn was left is released.
func (c *Controller) captureLocal(ctx context.Context, rn *run) (current bool, err error) {
	if c.deps.Media == nil {
		return c.isCurrent(rn), nil
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(rn.ctx, cancel)
	defer stop()

	c.mediaMu.Lock()
	defer c.mediaMu.Unlock()
	_, err = c.deps.Media.Capture(cctx, media.Constraints{Audio: true})

	c.mu.Lock()
	current = c.run == rn
	orphaned := c.run == nil
	c.mu.Unlock()
	if !current && orphaned {
		c.log.Debug().Str("room_id", string(rn.roomID)).Msg("capture finished after leave, released")
		c.deps.Media.Stop()
	}
	return current, err
}

func captureNotice(err error) string {
	var ce *core.CaptureError
	if !errors.As(err, &ce) {
		return "Microphone unavailable: " + err.Error()
	}
	switch ce.Reason {
	case core.CapturePermission:
		return "Microphone access was denied. You can listen but not speak."
	case core.CaptureTimeout:
		return "Microphone did not respond in time. You can listen but not speak."
	}
	return "No microphone found. You can listen but not speak."
}

// Leave ends the current session. Safe to call repeatedly or before Join
// has completed.
func (c *Controller) Leave() {
	c.mu.Lock()
	rn := c.run
	if rn == nil {
		c.mu.Unlock()
		return
	}
	c.run = nil
	c.retired = rn
	c.state = StateLeaving
	c.mu.Unlock()

	c.teardown(rn, true)

	c.mu.Lock()
	if c.run == nil {
		c.state = StateEnded
	}
	c.mu.Unlock()
	c.log.Info().Str("room_id", string(rn.roomID)).Msg("left room")
}

func (c *Controller) abortJoin(rn *run) {
	c.mu.Lock()
	if c.run == rn {
		c.run = nil
		c.retired = rn
		c.state = StateIdle
	}
	c.mu.Unlock()
	c.teardown(rn, false)
}

// terminate ends rn because of cause. Moderation causes also bar the room.
func (c *Controller) terminate(rn *run, cause error) {
	c.mu.Lock()
	if c.run != rn {
		c.mu.Unlock()
		return
	}
	c.run = nil
	c.retired = rn
	c.state = StateLeaving
	c.err = cause
	kind := NoticeDisconnected
	var mt *core.ModerationTermination
	if errors.As(cause, &mt) {
		c.ended[rn.roomID] = mt.Reason
		kind = NoticeTerminated
	}
	c.mu.Unlock()

	c.notices.add(kind, cause.Error())
	c.log.Warn().Err(cause).Str("room_id", string(rn.roomID)).Msg("session terminated")

	// handlers run on the signaling dispatch goroutine, which teardown
	// disconnects
	go func() {
		c.teardown(rn, false)
		c.mu.Lock()
		if c.run == nil {
			c.state = StateEnded
		}
		c.mu.Unlock()
	}()
}

// teardown releases rn. It runs once per run; later callers wait for the
// first to finish. Controller-wide state is only reset while no newer run
// owns it.
func (c *Controller) teardown(rn *run, graceful bool) {
	rn.tornOnce.Do(func() {
		defer close(rn.torn)
		rn.cancel()
		if rn.monitor != nil {
			rn.monitor.Stop()
		}
		if graceful {
			if err := rn.signal.Emit(core.EventLeave, core.RoomRef{RoomID: rn.roomID}); err != nil {
				c.log.Debug().Err(err).Msg("leave not delivered")
			}
		}
		for _, s := range rn.subs {
			s.Unsubscribe()
		}
		if rn.unwatch != nil {
			rn.unwatch()
		}
		rn.pool.CloseAll()

		c.mediaMu.Lock()
		c.mu.Lock()
		owned := c.run == nil
		c.mu.Unlock()
		if owned && c.deps.Media != nil {
			c.deps.Media.Stop()
		}
		c.mediaMu.Unlock()
		if owned {
			c.sinks.Reset()
			c.ledger.Reset()
			c.roster.ReplaceAll(nil)
			c.hands.Clear()
		}

		if err := rn.signal.Disconnect(); err != nil {
			c.log.Debug().Err(err).Msg("signaling disconnect")
		}
	})
}

// awaitTeardown waits for the last retired run to release shared state.
func (c *Controller) awaitTeardown(ctx context.Context) error {
	c.mu.Lock()
	prev := c.retired
	c.mu.Unlock()
	if prev == nil {
		return nil
	}
	select {
	case <-prev.torn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) resetRoom() {
	c.roster.ReplaceAll(nil)
	c.hands.Clear()
	c.chat.Clear()
	c.ledger.Reset()
	c.limiter.Reset()
	c.sinks.Reset()
}

// watch turns a failed signaling channel into a session failure.
func (c *Controller) watch(rn *run) {
	select {
	case <-rn.ctx.Done():
	case <-rn.signal.Done():
		if err := rn.signal.Err(); err != nil {
			c.terminate(rn, &core.SignalingDeliveryError{Err: err})
		}
	}
}

func (c *Controller) isCurrent(rn *run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run == rn
}

func (c *Controller) localID() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.ID
}

func (c *Controller) localCanSpeak() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSpeak
}

func (c *Controller) speakingGate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSpeak && !c.muted
}

// syncLocal applies the local roster role to media: a role that cannot
// speak is muted, and gaining a speaking role attaches tracks to every
// existing connection.
func (c *Controller) syncLocal(rn *run) {
	p, _ := c.roster.Get(c.localID())
	can := p.Role.CanSpeak()

	c.mu.Lock()
	if c.run != rn {
		c.mu.Unlock()
		return
	}
	was := c.canSpeak
	c.canSpeak = can
	forced := !can && !c.muted
	if forced {
		c.muted = true
	}
	open := can && !c.muted
	id := c.local.ID
	c.mu.Unlock()

	if forced {
		c.roster.SetMuted(id, true)
	}
	c.setTracksEnabled(open)

	switch {
	case can && !was:
		c.log.Info().Str("user_id", string(id)).Str("role", string(p.Role)).Msg("local user may speak")
		rn.pool.Renegotiate()
	case !can && was:
		c.log.Info().Str("user_id", string(id)).Msg("local user moved to audience")
	}
}

// setLocalMuted reports whether the mute state changed.
func (c *Controller) setLocalMuted(rn *run, muted bool) bool {
	c.mu.Lock()
	if c.run != rn || c.muted == muted {
		c.mu.Unlock()
		return false
	}
	c.muted = muted
	open := c.canSpeak && !muted
	id := c.local.ID
	c.mu.Unlock()

	c.roster.SetMuted(id, muted)
	c.setTracksEnabled(open)
	return true
}

func (c *Controller) setTracksEnabled(on bool) {
	if c.deps.Media != nil {
		c.deps.Media.SetEnabled(webrtc.RTPCodecTypeAudio, on)
	}
}

func (c *Controller) onSpeaking(rn *run, on bool) {
	if !c.isCurrent(rn) {
		return
	}
	id := c.localID()
	c.roster.SetSpeaking(id, on)
	if err := rn.signal.Emit(core.EventTalk, core.Talk{RoomID: rn.roomID, UserID: id, IsTalk: on}); err != nil {
		c.log.Error().Err(err).Msg("talk not delivered")
	}
}

func (c *Controller) onRemoteTrack(rn *run, ctx context.Context, peer peers.Info, track core.RemoteTrack) {
	if !c.isCurrent(rn) || peer.UserID == "" {
		return
	}
	// a removed peer's context is cancelled before its entry is dropped
	c.peerMu.Lock()
	live := ctx.Err() == nil
	if live {
		c.roster.Upsert(domain.ParticipantUpdate{ID: peer.UserID})
	}
	c.peerMu.Unlock()
	if !live {
		return
	}

	c.mu.Lock()
	info := core.MuteInfo{RoomID: rn.roomID, UserID: c.local.ID, IsMute: c.muted}
	c.mu.Unlock()
	if err := rn.signal.Emit(core.EventMuteInfo, info); err != nil {
		c.log.Error().Err(err).Msg("mute-info not delivered")
	}

	cancel := c.sinks.WhenReady(peer.UserID, func(s sink.Sink) {
		go func() {
			if err := sink.Pump(ctx, track, s); err != nil {
				c.log.Error().Err(err).Str("user_id", string(peer.UserID)).Msg("audio sink")
			}
		}()
	})
	context.AfterFunc(ctx, cancel)
}

// provideSinks keeps one sink per remote participant in the roster.
func (c *Controller) provideSinks(rn *run, list []domain.Participant) {
	if c.deps.Sinks == nil || !c.isCurrent(rn) {
		return
	}
	c.sinkMu.Lock()
	defer c.sinkMu.Unlock()

	local := c.localID()
	present := make(map[domain.UserID]bool, len(list))
	for _, p := range list {
		if p.ID == local {
			continue
		}
		present[p.ID] = true
		if _, ok := c.sinks.Get(p.ID); ok {
			continue
		}
		s, err := c.deps.Sinks(p.ID)
		if err != nil {
			c.log.Error().Err(err).Str("user_id", string(p.ID)).Msg("sink not created")
			continue
		}
		c.sinks.Provide(p.ID, s)
	}
	for _, id := range c.sinks.Users() {
		if !present[id] {
			c.sinks.Release(id)
		}
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err reports why the last session ended on its own, nil after a Leave.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) LocalUser() domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Controller) RoomID() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.roomID
}

func (c *Controller) Roster() []domain.Participant     { return c.roster.Snapshot() }
func (c *Controller) Hands() []domain.HandRaiseRequest { return c.hands.Snapshot() }
func (c *Controller) Messages() []domain.ChatMessage   { return c.chat.Snapshot() }
func (c *Controller) Notices() []Notice                { return c.notices.snapshot() }

func (c *Controller) Participant(id domain.UserID) (domain.Participant, bool) {
	return c.roster.Get(id)
}

func (c *Controller) PeerState(peerID string) (core.NegotiationState, bool) {
	c.mu.Lock()
	rn := c.run
	c.mu.Unlock()
	if rn == nil {
		return core.StateClosed, false
	}
	return rn.pool.State(peerID)
}

func (c *Controller) Peers() []peers.Info {
	c.mu.Lock()
	rn := c.run
	c.mu.Unlock()
	if rn == nil {
		return nil
	}
	return rn.pool.Peers()
}
