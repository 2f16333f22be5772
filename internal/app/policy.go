package app

import (
	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/dkeye/VoiceRoom/internal/domain"
)

// Decision is the outcome of a command check.
type Decision int

const (
	Allow Decision = iota
	// Ignore means the command is meaningless for the role and is dropped
	// without an error, e.g. an admin raising a hand.
	Ignore
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Ignore:
		return "ignore"
	case Deny:
		return "deny"
	}
	return "unknown"
}

// Policy decides whether the local user may issue a room command.
// self is true when the command targets the local user.
type Policy interface {
	Authorize(role domain.Role, cmd core.Event, self bool) Decision
}

// RolePolicy is the default role-based policy: moderation is admin-only,
// only audience members raise hands and only speaking roles toggle the mic.
type RolePolicy struct{}

func (RolePolicy) Authorize(role domain.Role, cmd core.Event, self bool) Decision {
	switch cmd {
	case core.EventMessage, core.EventLeave:
		return Allow
	case core.EventMute:
		if role.CanSpeak() {
			return Allow
		}
		return Ignore
	case core.EventUnmute:
		if role.CanSpeak() {
			return Allow
		}
		return Deny
	case core.EventRaiseHand:
		if role == domain.RoleAudience {
			return Allow
		}
		return Ignore
	case core.EventReturnAudience:
		if role == domain.RoleAdmin || (self && role == domain.RoleSpeaker) {
			return Allow
		}
		return Deny
	case core.EventApproveSpeak, core.EventRejectSpeak, core.EventEndRoom, core.EventBlockUser:
		if role == domain.RoleAdmin && !self {
			return Allow
		}
		return Deny
	}
	return Deny
}
