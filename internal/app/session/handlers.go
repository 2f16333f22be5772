package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
)

// bind subscribes fn to ev for rn, decoding the payload into T. Events for a
// run that is no longer current are dropped.
func bind[T any](c *Controller, rn *run, ev core.Event, fn func(T)) {
	sub := rn.signal.On(ev, func(raw json.RawMessage) {
		if !c.isCurrent(rn) {
			return
		}
		var payload T
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &payload); err != nil {
				c.log.Warn().Err(err).Str("event", string(ev)).Msg("bad payload")
				return
			}
		}
		fn(payload)
	})
	rn.subs = append(rn.subs, sub)
}

func (c *Controller) subscribe(rn *run) {
	bind(c, rn, core.EventJoin, func(p core.JoinIn) { c.onJoin(rn, p) })
	bind(c, rn, core.EventRoomClients, func(p core.RoomClients) { c.onRoomClients(rn, p) })
	bind(c, rn, core.EventAddPeer, func(p core.AddPeer) { c.onAddPeer(rn, p) })
	bind(c, rn, core.EventRemovePeer, func(p core.RemovePeer) { c.onRemovePeer(rn, p) })
	bind(c, rn, core.EventSessionDescription, func(p core.SessionDescription) {
		rn.pool.RemoteDescription(p.PeerID, p.Description)
	})
	bind(c, rn, core.EventICECandidate, func(p core.ICECandidate) {
		rn.pool.RemoteCandidate(p.PeerID, p.Candidate)
	})
	bind(c, rn, core.EventMute, func(p core.UserEvent) { c.onMute(rn, core.EventMute, p, true) })
	bind(c, rn, core.EventUnmute, func(p core.UserEvent) { c.onMute(rn, core.EventUnmute, p, false) })
	bind(c, rn, core.EventMuteInfo, func(p core.MuteInfo) {
		if p.UserID != c.localID() {
			c.roster.SetMuted(p.UserID, p.IsMute)
		}
	})
	bind(c, rn, core.EventTalk, func(p core.Talk) {
		if p.UserID != c.localID() {
			c.roster.SetSpeaking(p.UserID, p.IsTalk)
		}
	})
	bind(c, rn, core.EventRaiseHand, func(p core.UserEvent) { c.onRaiseHand(rn, p) })
	bind(c, rn, core.EventRejectSpeak, func(p core.UserEvent) { c.onRejectSpeak(rn, p) })
	bind(c, rn, core.EventApproveSpeak, func(p core.UserEvent) { c.onApproveSpeak(rn, p) })
	bind(c, rn, core.EventReturnAudience, func(p core.UserEvent) { c.onReturnAudience(rn, p) })
	bind(c, rn, core.EventMessage, func(p core.Message) { c.onMessage(rn, p) })
	bind(c, rn, core.EventBlocked, func(p core.UserEvent) { c.onBlocked(rn, p) })
	bind(c, rn, core.EventRoomEnded, func(json.RawMessage) {
		c.terminate(rn, &core.ModerationTermination{Reason: core.TerminationRoomEnded})
	})
	bind(c, rn, core.EventError, func(p core.ErrorEvent) {
		msg := p.Message
		if msg == "" {
			msg = "server error"
		}
		c.terminate(rn, &core.SignalingDeliveryError{Err: errors.New(msg)})
	})
}

func (c *Controller) onJoin(rn *run, p core.JoinIn) {
	if p.User.ID == "" {
		return
	}
	upd := domain.Presence(p.User)
	if p.IsAdmin {
		upd = upd.WithRole(domain.RoleAdmin)
	}
	c.roster.Upsert(upd)
	if p.User.ID == c.localID() {
		c.syncLocal(rn)
	}
}

// onRoomClients replaces the roster with the server snapshot. The local
// entry is kept when the snapshot does not list it yet.
func (c *Controller) onRoomClients(rn *run, p core.RoomClients) {
	local := c.localID()
	list := p.Clients
	found := false
	for _, cl := range list {
		if cl.ID == local {
			found = true
			break
		}
	}
	if !found {
		if self, ok := c.roster.Get(local); ok {
			list = append(list, self)
		}
	}
	c.roster.ReplaceAll(list)
	c.roster.SetMuted(local, c.Muted())

	for _, h := range c.hands.Snapshot() {
		if _, ok := c.roster.Get(h.UserID); !ok {
			c.hands.Resolve(h.UserID)
		}
	}
	c.syncLocal(rn)
}

func (c *Controller) onAddPeer(rn *run, p core.AddPeer) {
	if p.PeerID == "" || p.UserID == "" {
		return
	}
	upd := domain.ParticipantUpdate{ID: p.UserID}
	if p.User != nil && p.User.ID == p.UserID {
		upd = domain.Presence(*p.User)
	}
	c.roster.Upsert(upd)
	rn.pool.AddPeer(p)
}

func (c *Controller) onRemovePeer(rn *run, p core.RemovePeer) {
	rn.pool.RemovePeer(p.PeerID)
	if p.UserID == "" {
		return
	}
	c.peerMu.Lock()
	c.dropParticipant(p.UserID)
	c.peerMu.Unlock()
}

func (c *Controller) dropParticipant(id domain.UserID) {
	c.roster.Remove(id)
	c.hands.Resolve(id)
	c.sinks.Release(id)
}

func (c *Controller) onMute(rn *run, ev core.Event, p core.UserEvent, muted bool) {
	c.ledger.Confirm(p.CorrelationID, ev, p.UserID)
	if p.UserID != c.localID() {
		c.roster.SetMuted(p.UserID, muted)
		return
	}
	// the local microphone is only ever opened by the local user
	if muted {
		c.setLocalMuted(rn, true)
	}
}

func (c *Controller) onRaiseHand(_ *run, p core.UserEvent) {
	c.ledger.Confirm(p.CorrelationID, core.EventRaiseHand, p.UserID)
	if p.UserID == "" {
		return
	}
	name := p.DisplayName
	if name == "" {
		if part, ok := c.roster.Get(p.UserID); ok {
			name = part.DisplayName
		}
	}
	c.hands.Raise(domain.HandRaiseRequest{
		UserID:      p.UserID,
		PeerID:      p.PeerID,
		DisplayName: name,
		RaisedAt:    time.Now(),
	})
}

func (c *Controller) onRejectSpeak(_ *run, p core.UserEvent) {
	c.ledger.Confirm(p.CorrelationID, core.EventRejectSpeak, p.UserID)
	c.ledger.Confirm("", core.EventRaiseHand, p.UserID)
	c.hands.Resolve(p.UserID)
}

func (c *Controller) onApproveSpeak(rn *run, p core.UserEvent) {
	c.ledger.Confirm(p.CorrelationID, core.EventApproveSpeak, p.UserID)
	c.ledger.Confirm("", core.EventRaiseHand, p.UserID)
	c.hands.Resolve(p.UserID)
	if part, ok := c.roster.Get(p.UserID); ok && part.Role != domain.RoleAdmin {
		c.roster.SetRole(p.UserID, domain.RoleSpeaker)
	}
	if p.UserID == c.localID() {
		c.syncLocal(rn)
	}
}

func (c *Controller) onReturnAudience(rn *run, p core.UserEvent) {
	c.ledger.Confirm(p.CorrelationID, core.EventReturnAudience, p.UserID)
	c.roster.SetRole(p.UserID, domain.RoleAudience)
	if p.UserID == c.localID() {
		c.syncLocal(rn)
	}
}

func (c *Controller) onMessage(rn *run, p core.Message) {
	if p.Text == "" {
		return
	}
	room := p.RoomID
	if room == "" {
		room = rn.roomID
	}
	c.chat.Append(domain.ChatMessage{
		ID:     p.ID,
		RoomID: room,
		User:   p.User,
		Text:   p.Text,
		SentAt: time.Now(),
	})
}

func (c *Controller) onBlocked(rn *run, p core.UserEvent) {
	c.ledger.Confirm(p.CorrelationID, core.EventBlockUser, p.UserID)
	if p.UserID == "" || p.UserID == c.localID() {
		c.terminate(rn, &core.ModerationTermination{Reason: core.TerminationBlocked})
		return
	}
	c.dropParticipant(p.UserID)
}
