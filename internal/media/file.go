package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

// FileCapturer plays an Ogg/Opus file and an IVF/VP8 file in place of
// devices. Either path may be empty.
type FileCapturer struct {
	AudioPath string
	VideoPath string
}

func (c FileCapturer) Open(ctx context.Context) (Feed, error) {
	f := &fileFeed{}
	if c.AudioPath != "" {
		file, err := os.Open(c.AudioPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		ogg, _, err := oggreader.NewWith(file)
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("%w: audio %s: %v", ErrDeviceUnavailable, c.AudioPath, err)
		}
		f.audioFile, f.ogg = file, ogg
	}
	if c.VideoPath != "" {
		file, err := os.Open(c.VideoPath)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		ivf, header, err := ivfreader.NewWith(file)
		if err != nil {
			_ = file.Close()
			_ = f.Close()
			return nil, fmt.Errorf("%w: video %s: %v", ErrDeviceUnavailable, c.VideoPath, err)
		}
		f.videoFile, f.ivf = file, ivf
		if header.TimebaseDenominator > 0 {
			f.frameDur = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
		}
	}
	if f.frameDur <= 0 {
		f.frameDur = pace
	}
	return f, nil
}

type fileFeed struct {
	audioFile *os.File
	videoFile *os.File
	ogg       *oggreader.OggReader
	ivf       *ivfreader.IVFReader
	frameDur  time.Duration

	lastGranule uint64
	closeOnce   sync.Once
}

func (f *fileFeed) ReadAudio() (pionmedia.Sample, error) {
	if f.ogg == nil {
		return pionmedia.Sample{}, io.EOF
	}
	page, header, err := f.ogg.ParseNextPage()
	if err != nil {
		return pionmedia.Sample{}, eof(err)
	}
	dur := pace
	if header.GranulePosition > f.lastGranule {
		dur = time.Duration(header.GranulePosition-f.lastGranule) * time.Second / 48000
	}
	f.lastGranule = header.GranulePosition
	return pionmedia.Sample{Data: page, Duration: dur}, nil
}

func (f *fileFeed) ReadVideo() (pionmedia.Sample, error) {
	if f.ivf == nil {
		return pionmedia.Sample{}, io.EOF
	}
	frame, _, err := f.ivf.ParseNextFrame()
	if err != nil {
		return pionmedia.Sample{}, eof(err)
	}
	return pionmedia.Sample{Data: frame, Duration: f.frameDur}, nil
}

func (f *fileFeed) Close() error {
	var errs []error
	f.closeOnce.Do(func() {
		if f.audioFile != nil {
			errs = append(errs, f.audioFile.Close())
		}
		if f.videoFile != nil {
			errs = append(errs, f.videoFile.Close())
		}
	})
	return errors.Join(errs...)
}

// eof folds reads on a closed file into io.EOF
func eof(err error) error {
	if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

// NoCapture is a Capturer without devices: tracks are negotiated but carry
// no samples
type NoCapture struct{}

func (NoCapture) Open(context.Context) (Feed, error) { return idleFeed{}, nil }

type idleFeed struct{}

func (idleFeed) ReadAudio() (pionmedia.Sample, error) { return pionmedia.Sample{}, io.EOF }
func (idleFeed) ReadVideo() (pionmedia.Sample, error) { return pionmedia.Sample{}, io.EOF }
func (idleFeed) Close() error                         { return nil }

// Denied is a Capturer that always fails, as when the user refuses access
type Denied struct{ Reason string }

func (d Denied) Open(context.Context) (Feed, error) {
	return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, d.Reason)
}
