package core

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no capture device")
	ErrCaptureTimeout   = errors.New("capture timed out")
)

type CaptureReason string

const (
	CapturePermission CaptureReason = "permission"
	CaptureNoDevice   CaptureReason = "no_device"
	CaptureTimeout    CaptureReason = "timeout"
)

// CaptureError is a media permission or device failure. Non-fatal: the
// session continues without outbound audio.
type CaptureError struct {
	Reason CaptureReason
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture failed (%s): %v", e.Reason, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// NegotiationError is a failure of one offer/answer/candidate step for one peer.
type NegotiationError struct {
	PeerID string
	Op     string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s with peer %s: %v", e.Op, e.PeerID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// SignalingDeliveryError is a channel-level failure; fatal to the session.
type SignalingDeliveryError struct {
	Err error
}

func (e *SignalingDeliveryError) Error() string {
	return fmt.Sprintf("signaling delivery: %v", e.Err)
}

func (e *SignalingDeliveryError) Unwrap() error { return e.Err }

type TerminationReason string

const (
	TerminationRoomEnded TerminationReason = "room_ended"
	TerminationBlocked   TerminationReason = "blocked"
)

// ModerationTermination ends the session for good; no reconnection.
type ModerationTermination struct {
	Reason TerminationReason
}

func (e *ModerationTermination) Error() string {
	return fmt.Sprintf("session terminated: %s", e.Reason)
}
