// Package media provides the local audio and video tracks attached to every
// peer connection.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// ErrDeviceUnavailable is returned when capture devices cannot be opened
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Capturer claims the local capture devices
type Capturer interface {
	Open(ctx context.Context) (Feed, error)
}

// Feed yields encoded samples. A kind the feed does not carry returns io.EOF.
type Feed interface {
	ReadAudio() (pionmedia.Sample, error)
	ReadVideo() (pionmedia.Sample, error)
	Close() error
}

// Source turns a Capturer into local tracks
type Source struct {
	capturer Capturer
	logger   *slog.Logger
	clock    clockwork.Clock
}

func NewSource(capturer Capturer, logger *slog.Logger, clock clockwork.Clock) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Source{capturer: capturer, logger: logger.With("component", "media"), clock: clock}
}

// Acquire opens the devices and starts pumping samples into an opus audio
// track and a VP8 video track. Both start enabled.
func (s *Source) Acquire(ctx context.Context) (*Stream, error) {
	feed, err := s.capturer.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open capture devices: %w", err)
	}

	streamID := "local-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", streamID)
	if err != nil {
		_ = feed.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", streamID)
	if err != nil {
		_ = feed.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}

	st := &Stream{
		Audio:  audio,
		Video:  video,
		feed:   feed,
		logger: s.logger,
		clock:  s.clock,
		done:   make(chan struct{}),
	}
	st.audioOn.Store(true)
	st.videoOn.Store(true)

	st.wg.Add(2)
	go st.pump("audio", feed.ReadAudio, audio, &st.audioOn)
	go st.pump("video", feed.ReadVideo, video, &st.videoOn)
	return st, nil
}

// Stream is an acquired local media stream
type Stream struct {
	Audio *webrtc.TrackLocalStaticSample
	Video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	feed      Feed
	logger    *slog.Logger
	clock     clockwork.Clock
	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// Tracks returns the tracks to attach to a peer connection
func (s *Stream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.Audio, s.Video}
}

func (s *Stream) AudioEnabled() bool { return s.audioOn.Load() }
func (s *Stream) VideoEnabled() bool { return s.videoOn.Load() }

func (s *Stream) SetAudioEnabled(on bool) { s.audioOn.Store(on) }
func (s *Stream) SetVideoEnabled(on bool) { s.videoOn.Store(on) }

// ToggleAudio flips audio and returns the new value
func (s *Stream) ToggleAudio() bool { return toggle(&s.audioOn) }

// ToggleVideo flips video and returns the new value
func (s *Stream) ToggleVideo() bool { return toggle(&s.videoOn) }

func toggle(b *atomic.Bool) bool {
	for {
		old := b.Load()
		if b.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Close stops the pumps and releases the devices
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.feed.Close()
		s.wg.Wait()
	})
	return err
}

// pump copies samples from read into track, pacing by sample duration.
// Samples read while the kind is disabled are dropped.
func (s *Stream) pump(kind string, read func() (pionmedia.Sample, error), track *webrtc.TrackLocalStaticSample, on *atomic.Bool) {
	defer s.wg.Done()
	for {
		sample, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case <-s.done:
				default:
					s.logger.Warn("capture stopped", "kind", kind, "err", err)
				}
			}
			return
		}
		if on.Load() {
			if err := track.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("write sample failed", "kind", kind, "err", err)
			}
		}
		if sample.Duration <= 0 {
			continue
		}
		select {
		case <-s.clock.After(sample.Duration):
		case <-s.done:
			return
		}
	}
}

// pace is the fallback frame duration for feeds that carry no timing
const pace = 20 * time.Millisecond
