// Package media captures the local camera and microphone through
// pion/mediadevices, encoding VP8 and Opus for the peer connection.
package media

import (
	"sync"

	"peer-call/pkg/log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
)

type LocalMedia struct {
	codecSelector *mediadevices.CodecSelector

	mu     sync.Mutex
	stream mediadevices.MediaStream
}

func NewLocalMedia() (*LocalMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &LocalMedia{
		codecSelector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (m *LocalMedia) CodecSelector() *mediadevices.CodecSelector {
	return m.codecSelector
}

// Start opens the capture devices. GetUserMedia fails as a unit if either
// track cannot be opened, so video+audio is tried first, then video-only,
// then audio-only; a busy microphone must not take the camera down with it.
func (m *LocalMedia) Start() error {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return errors.New("no local media devices")
	}

	for _, device := range devices {
		log.Debugf("media device: kind=%v label=%q", device.Kind, device.Label)
	}

	attempts := []struct {
		video bool
		audio bool
		label string
	}{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}

	for _, attempt := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: m.codecSelector}

		if attempt.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node
				// producing malformed frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		if attempt.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("media capture (%s): %v", attempt.label, err)

			continue
		}

		log.Infof("local media captured (%s), %d tracks", attempt.label, len(stream.GetTracks()))

		m.mu.Lock()
		m.stream = stream
		m.mu.Unlock()

		return nil
	}

	return errors.New("all media capture attempts failed")
}

func (m *LocalMedia) Stream() mediadevices.MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.stream
}

// Stop releases the capture devices. Every close path of a call must end up
// here, or the devices stay busy.
func (m *LocalMedia) Stop() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return
	}

	for _, track := range stream.GetTracks() {
		log.Info("stopping local ", track.Kind())

		if err := track.Close(); err != nil {
			log.Error("stop local track: ", err)
		}
	}
}
