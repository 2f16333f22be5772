package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
)

var errHubClosed = errors.New("hub client closed")

// hub is an in-memory relay server for one room. It assigns peer ids in
// connection order (p0, p1, ...) and tells existing members to initiate.
type hub struct {
	mu      sync.Mutex
	clients map[string]*hubClient
	order   []string
	next    int
	admins  map[domain.UserID]bool
	roles   map[domain.UserID]domain.Role
	drop    map[core.Event]bool
	counts  map[core.Event]int
	payload map[core.Event][]json.RawMessage
}

func newHub(admins ...domain.UserID) *hub {
	h := &hub{
		clients: make(map[string]*hubClient),
		admins:  make(map[domain.UserID]bool),
		roles:   make(map[domain.UserID]domain.Role),
		drop:    make(map[core.Event]bool),
		counts:  make(map[core.Event]int),
		payload: make(map[core.Event][]json.RawMessage),
	}
	for _, id := range admins {
		h.admins[id] = true
	}
	return h
}

func (h *hub) dial() core.SignalingClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &hubClient{
		hub:      h,
		peerID:   fmt.Sprintf("p%d", h.next),
		handlers: make(map[core.Event]map[int]core.Handler),
		inbox:    make(chan envelope, 4096),
		done:     make(chan struct{}),
	}
	h.next++
	return c
}

// dropEvents makes the server swallow ev.
func (h *hub) dropEvents(ev core.Event) {
	h.mu.Lock()
	h.drop[ev] = true
	h.mu.Unlock()
}

func (h *hub) count(ev core.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[ev]
}

func (h *hub) sent(ev core.Event) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]json.RawMessage(nil), h.payload[ev]...)
}

func (h *hub) client(userID domain.UserID) *hubClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range h.order {
		if c := h.clients[id]; c.user.ID == userID {
			return c
		}
	}
	return nil
}

func (h *hub) participantsLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(h.order))
	for _, id := range h.order {
		c := h.clients[id]
		out = append(out, domain.Participant{
			ID:          c.user.ID,
			DisplayName: c.user.Username,
			Role:        h.roles[c.user.ID],
			Muted:       true,
		})
	}
	return out
}

func (h *hub) othersLocked(from *hubClient) []*hubClient {
	var out []*hubClient
	for _, id := range h.order {
		if id != from.peerID {
			out = append(out, h.clients[id])
		}
	}
	return out
}

func (h *hub) allLocked() []*hubClient {
	out := make([]*hubClient, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.clients[id])
	}
	return out
}

func (h *hub) route(from *hubClient, ev core.Event, raw json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[ev]++
	h.payload[ev] = append(h.payload[ev], raw)
	if h.drop[ev] {
		return
	}

	switch ev {
	case core.EventJoin:
		var p core.JoinOut
		_ = json.Unmarshal(raw, &p)
		from.user = p.User
		role := domain.RoleAudience
		if h.admins[p.User.ID] {
			role = domain.RoleAdmin
		}
		h.roles[p.User.ID] = role
		for _, o := range h.othersLocked(from) {
			user := from.user
			o.deliver(core.EventJoin, core.JoinIn{User: user, IsAdmin: role == domain.RoleAdmin})
			o.deliver(core.EventAddPeer, core.AddPeer{PeerID: from.peerID, UserID: user.ID, ShouldInitiate: true, User: &user})
			other := o.user
			from.deliver(core.EventAddPeer, core.AddPeer{PeerID: o.peerID, UserID: other.ID, User: &other})
		}
		h.clients[from.peerID] = from
		h.order = append(h.order, from.peerID)
		from.deliver(core.EventRoomClients, core.RoomClients{Clients: h.participantsLocked()})

	case core.EventRelaySDP:
		var p core.SessionDescription
		_ = json.Unmarshal(raw, &p)
		if to := h.clients[p.PeerID]; to != nil {
			to.deliver(core.EventSessionDescription, core.SessionDescription{PeerID: from.peerID, Description: p.Description})
		}

	case core.EventRelayICE:
		var p core.ICECandidate
		_ = json.Unmarshal(raw, &p)
		if to := h.clients[p.PeerID]; to != nil {
			to.deliver(core.EventICECandidate, core.ICECandidate{PeerID: from.peerID, Candidate: p.Candidate})
		}

	case core.EventTalk, core.EventMuteInfo:
		for _, o := range h.othersLocked(from) {
			o.deliverRaw(ev, raw)
		}

	case core.EventRaiseHand:
		var p core.UserEvent
		_ = json.Unmarshal(raw, &p)
		p.PeerID = from.peerID
		for _, o := range h.allLocked() {
			o.deliver(ev, p)
		}

	case core.EventApproveSpeak, core.EventReturnAudience:
		var p core.UserEvent
		_ = json.Unmarshal(raw, &p)
		if ev == core.EventApproveSpeak {
			h.roles[p.UserID] = domain.RoleSpeaker
		} else {
			h.roles[p.UserID] = domain.RoleAudience
		}
		for _, o := range h.allLocked() {
			o.deliverRaw(ev, raw)
		}

	case core.EventMute, core.EventUnmute, core.EventMessage, core.EventRejectSpeak:
		for _, o := range h.allLocked() {
			o.deliverRaw(ev, raw)
		}

	case core.EventEndRoom:
		for _, o := range h.allLocked() {
			o.deliver(core.EventRoomEnded, nil)
		}

	case core.EventBlockUser:
		var p core.UserEvent
		_ = json.Unmarshal(raw, &p)
		for _, o := range h.allLocked() {
			o.deliverRaw(core.EventBlocked, raw)
		}
		for _, o := range h.allLocked() {
			if o.user.ID == p.UserID {
				h.removeLocked(o)
			}
		}

	case core.EventLeave:
		h.removeLocked(from)
	}
}

func (h *hub) removeLocked(c *hubClient) {
	if _, ok := h.clients[c.peerID]; !ok {
		return
	}
	delete(h.clients, c.peerID)
	for i, id := range h.order {
		if id == c.peerID {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	for _, o := range h.allLocked() {
		o.deliver(core.EventRemovePeer, core.RemovePeer{PeerID: c.peerID, UserID: c.user.ID})
	}
}

type envelope struct {
	event core.Event
	data  json.RawMessage
}

// hubClient is the SignalingClient side of one hub connection. Handlers run
// on a single dispatch goroutine in arrival order.
type hubClient struct {
	hub    *hub
	peerID string
	user   domain.User

	mu        sync.Mutex
	handlers  map[core.Event]map[int]core.Handler
	nextSub   int
	connected bool
	closed    bool
	err       error

	inbox chan envelope
	done  chan struct{}
}

type hubSub struct {
	once sync.Once
	fn   func()
}

func (s *hubSub) Unsubscribe() { s.once.Do(s.fn) }

func (c *hubClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errHubClosed
	}
	c.connected = true
	go c.dispatch()
	return nil
}

func (c *hubClient) dispatch() {
	for {
		select {
		case <-c.done:
			return
		case env := <-c.inbox:
			c.mu.Lock()
			hs := make([]core.Handler, 0, len(c.handlers[env.event]))
			ids := make([]int, 0, len(c.handlers[env.event]))
			for id := range c.handlers[env.event] {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			for _, id := range ids {
				hs = append(hs, c.handlers[env.event][id])
			}
			c.mu.Unlock()
			for _, h := range hs {
				h(env.data)
			}
		}
	}
}

func (c *hubClient) On(ev core.Event, h core.Handler) core.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	if c.handlers[ev] == nil {
		c.handlers[ev] = make(map[int]core.Handler)
	}
	c.handlers[ev][id] = h
	return &hubSub{fn: func() {
		c.mu.Lock()
		delete(c.handlers[ev], id)
		c.mu.Unlock()
	}}
}

func (c *hubClient) Emit(ev core.Event, payload any) error {
	c.mu.Lock()
	ok := c.connected && !c.closed
	c.mu.Unlock()
	if !ok {
		return errHubClosed
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.hub.route(c, ev, raw)
	return nil
}

func (c *hubClient) deliver(ev core.Event, payload any) {
	raw, _ := json.Marshal(payload)
	c.deliverRaw(ev, raw)
}

func (c *hubClient) deliverRaw(ev core.Event, raw json.RawMessage) {
	select {
	case c.inbox <- envelope{event: ev, data: raw}:
	default:
		panic("hub inbox full")
	}
}

func (c *hubClient) Disconnect() error {
	c.close(nil)
	c.hub.mu.Lock()
	c.hub.removeLocked(c)
	c.hub.mu.Unlock()
	return nil
}

// fail simulates a broken channel.
func (c *hubClient) fail(err error) {
	c.close(err)
}

func (c *hubClient) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

func (c *hubClient) Done() <-chan struct{} { return c.done }

func (c *hubClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *hubClient) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}
