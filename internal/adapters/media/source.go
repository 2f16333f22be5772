// Package media provides capture sources and audio sinks for the headless
// client: an Ogg/Opus file stands in for the microphone and remote audio is
// recorded to Ogg files or discarded.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	appmedia "github.com/dkeye/VoiceRoom/internal/app/media"
	"github.com/dkeye/VoiceRoom/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultFrame = 20 * time.Millisecond
	opusRate     = 48000
	// bytes per millisecond of Opus that count as full level
	fullLevelRate = 8.0
)

// NoDevice is a Source for hosts without audio input.
type NoDevice struct{}

func (NoDevice) Open(context.Context, appmedia.Constraints) (appmedia.Capture, error) {
	return nil, &core.CaptureError{Reason: core.CaptureNoDevice, Err: core.ErrNoDevice}
}

// OggSource plays an Ogg/Opus file as the local microphone.
type OggSource struct {
	Path string
	Loop bool
}

func NewOggSource(path string, loop bool) *OggSource {
	return &OggSource{Path: path, Loop: loop}
}

func (s *OggSource) Open(ctx context.Context, c appmedia.Constraints) (appmedia.Capture, error) {
	if !c.Audio {
		return nil, &core.CaptureError{Reason: core.CaptureNoDevice, Err: errors.New("audio not requested")}
	}
	f, err := s.open()
	if err != nil {
		return nil, err
	}
	// the header is validated up front so a bad file fails the capture
	_ = f.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusRate, Channels: 2},
		"audio", "voiceroom")
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}
	cp := &oggCapture{
		src:   s,
		track: track,
		log:   log.With().Str("module", "media").Str("source", s.Path).Logger(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go cp.stream()
	return cp, nil
}

type oggFile struct {
	file   *os.File
	reader *oggreader.OggReader
}

func (o *oggFile) Close() error { return o.file.Close() }

func (s *OggSource) open() (*oggFile, error) {
	file, err := os.Open(s.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, &core.CaptureError{Reason: core.CaptureNoDevice, Err: fmt.Errorf("%w: %s", core.ErrNoDevice, s.Path)}
	case errors.Is(err, fs.ErrPermission):
		return nil, &core.CaptureError{Reason: core.CapturePermission, Err: fmt.Errorf("%w: %s", core.ErrPermissionDenied, s.Path)}
	case err != nil:
		return nil, err
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		_ = file.Close()
		return nil, &core.CaptureError{Reason: core.CaptureNoDevice, Err: fmt.Errorf("read ogg header: %w", err)}
	}
	return &oggFile{file: file, reader: reader}, nil
}

// oggCapture streams pages of the file into its track in real time. Pages
// are consumed while disabled too, like a muted microphone keeps capturing.
type oggCapture struct {
	src   *OggSource
	track *webrtc.TrackLocalStaticSample
	log   zerolog.Logger

	enabled atomic.Bool
	level   atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (c *oggCapture) Tracks() []webrtc.TrackLocal { return []webrtc.TrackLocal{c.track} }

func (c *oggCapture) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	if kind != webrtc.RTPCodecTypeAudio {
		return
	}
	c.enabled.Store(enabled)
	if !enabled {
		c.setLevel(0)
	}
}

func (c *oggCapture) AudioLevel() float64 { return math.Float64frombits(c.level.Load()) }

func (c *oggCapture) setLevel(l float64) { c.level.Store(math.Float64bits(l)) }

func (c *oggCapture) Stop() error {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
	return nil
}

func (c *oggCapture) stream() {
	defer close(c.done)
	for {
		err := c.play()
		switch {
		case errors.Is(err, errStopped):
			return
		case errors.Is(err, io.EOF):
			if !c.src.Loop {
				c.log.Info().Msg("source finished")
				c.setLevel(0)
				return
			}
		case err != nil:
			c.log.Error().Err(err).Msg("source failed")
			c.setLevel(0)
			return
		}
	}
}

var errStopped = errors.New("stopped")

func (c *oggCapture) play() error {
	f, err := c.src.open()
	if err != nil {
		return err
	}
	defer f.Close()

	var lastGranule uint64
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		select {
		case <-c.stop:
			return errStopped
		default:
		}

		page, header, err := f.reader.ParseNextPage()
		if err != nil {
			return err
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		d := defaultFrame
		if header.GranulePosition > lastGranule && lastGranule != 0 {
			d = time.Duration(header.GranulePosition-lastGranule) * time.Second / opusRate
		}
		lastGranule = header.GranulePosition

		if c.enabled.Load() {
			if err := c.track.WriteSample(media.Sample{Data: page, Duration: d}); err != nil {
				return fmt.Errorf("write sample: %w", err)
			}
			c.setLevel(estimateLevel(len(page), d))
		}

		timer.Reset(d)
		select {
		case <-c.stop:
			return errStopped
		case <-timer.C:
		}
	}
}

// estimateLevel maps the size of an Opus frame to [0,1]. Opus spends few
// bytes on silence, so the payload rate tracks loudness closely enough for
// speaking detection.
func estimateLevel(size int, d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	if ms <= 0 {
		return 0
	}
	return math.Min(1, float64(size)/(ms*fullLevelRate))
}
