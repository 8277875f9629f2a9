package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zaf/g711"
)

// Fixed model-side formats: mono 16-bit PCM at these rates.
const (
	ModelInputRate  = 16000
	ModelOutputRate = 24000
)

// ErrFormat reports a frame whose parameters fall outside the supported
// conversion range. Such frames are rejected at the bridge boundary and
// dropped, never converted.
var ErrFormat = errors.New("audio format error")

// Encoding names the sample encoding of a caller-side frame.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm16"
	EncodingULaw  Encoding = "ulaw"
	EncodingALaw  Encoding = "alaw"
)

// Frame is one slice of caller-side audio tagged with its source format.
// Frames are ephemeral; the bridge decodes and discards them.
type Frame struct {
	Participant string
	SampleRate  int
	Channels    int
	Encoding    Encoding
	Data        []byte
}

// Samples decodes the frame payload into interleaved 16-bit samples.
func (f Frame) Samples() ([]int16, error) {
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrFormat, f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return nil, fmt.Errorf("%w: %d channels", ErrFormat, f.Channels)
	}

	var pcm []byte
	switch f.Encoding {
	case EncodingPCM16, "":
		pcm = f.Data
	case EncodingULaw:
		pcm = g711.DecodeUlaw(f.Data)
	case EncodingALaw:
		pcm = g711.DecodeAlaw(f.Data)
	default:
		return nil, fmt.Errorf("%w: encoding %q", ErrFormat, f.Encoding)
	}

	samples, err := BytesToPCM16(pcm)
	if err != nil {
		return nil, err
	}
	if len(samples)%f.Channels != 0 {
		return nil, fmt.Errorf("%w: %d samples do not align to %d channels", ErrFormat, len(samples), f.Channels)
	}
	return samples, nil
}

// BytesToPCM16 reinterprets little-endian 16-bit PCM bytes as samples.
func BytesToPCM16(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: odd pcm byte count %d", ErrFormat, len(data))
	}
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out, nil
}

// PCM16Bytes serializes samples as little-endian 16-bit PCM.
func PCM16Bytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// DownmixToMono averages interleaved channels into a mono stream. Mono
// input is copied through.
func DownmixToMono(in []int16, channels int) []int16 {
	if channels <= 1 {
		return append([]int16(nil), in...)
	}
	out := make([]int16, len(in)/channels)
	for i := range out {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(in[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// DuplicateChannels spreads a mono stream across n interleaved channels.
func DuplicateChannels(in []int16, channels int) []int16 {
	if channels <= 1 {
		return append([]int16(nil), in...)
	}
	out := make([]int16, len(in)*channels)
	for i, s := range in {
		for c := 0; c < channels; c++ {
			out[i*channels+c] = s
		}
	}
	return out
}

func clampSample(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
