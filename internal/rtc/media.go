package rtc

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // camera driver registration
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // microphone driver registration

	"peercall-backend/pkg/logger"
)

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8Params.BitRate = 500_000

	return mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
		mediadevices.WithVideoEncoders(&vp8Params),
	), nil
}

type pionMediaStream struct {
	id     string
	stream mediadevices.MediaStream
}

func (m *pionMediaStream) ID() string {
	return m.id
}

func (m *pionMediaStream) Close() {
	for _, track := range m.stream.GetTracks() {
		if err := track.Close(); err != nil {
			logger.Warn("Failed to close media track",
				zap.String("track_id", track.ID()),
				zap.Error(err))
		}
	}
}

// CaptureMedia acquires the microphone and, when video is set, the camera.
// One attempt only; the audio-only fallback policy lives in the caller.
func (e *PionEngine) CaptureMedia(video bool) (MediaStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: e.codecSelector,
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media (video=%t): %w", video, err)
	}

	return &pionMediaStream{id: uuid.NewString(), stream: stream}, nil
}
