package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/VoiceRoom/internal/app/sink"
	"github.com/dkeye/VoiceRoom/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

// Discard drops every packet.
type Discard struct{}

func (Discard) WriteRTP(*rtp.Packet) error { return nil }
func (Discard) Close() error               { return nil }

func DiscardFactory(domain.UserID) (sink.Sink, error) { return Discard{}, nil }

// Recorder writes one participant's audio to an Ogg/Opus file.
type Recorder struct {
	Path string

	mu     sync.Mutex
	w      *oggwriter.OggWriter
	closed bool
}

// WriteRTP after Close drops the packet.
func (r *Recorder) WriteRTP(pkt *rtp.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	return r.w.WriteRTP(pkt)
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	log.Info().Str("module", "media").Str("path", r.Path).Msg("recording closed")
	return r.w.Close()
}

// RecorderFactory records every participant to dir/<user>-<unix>.ogg.
func RecorderFactory(dir string) (sink.Factory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	return func(userID domain.UserID) (sink.Sink, error) {
		name := fmt.Sprintf("%s-%d.ogg", safeName(userID), time.Now().UnixNano())
		path := filepath.Join(dir, name)
		w, err := oggwriter.New(path, 48000, 2)
		if err != nil {
			return nil, fmt.Errorf("open recording for %s: %w", userID, err)
		}
		log.Info().Str("module", "media").Str("user_id", string(userID)).Str("path", path).Msg("recording")
		return &Recorder{Path: path, w: w}, nil
	}, nil
}

func safeName(id domain.UserID) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, string(id))
	if s == "" {
		return "unknown"
	}
	return s
}
