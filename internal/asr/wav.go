package asr

import (
	"encoding/binary"
	"fmt"
	"os"
)

// The normalizer always emits 16-bit signed little-endian PCM at 16 kHz, so
// the reader only needs to handle that one WAVE shape. Multi-channel input is
// down-mixed by averaging, matching what ffmpeg would have produced with -ac 1.

const wavHeaderSize = 12

// readWAVSamples reads a RIFF/WAVE file holding 16-bit PCM and returns mono
// float32 samples normalised to [-1.0, 1.0].
func readWAVSamples(path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("asr: read wav %q: %w", path, err)
	}
	return decodeWAV(raw)
}

func decodeWAV(raw []byte) ([]float32, error) {
	if len(raw) < wavHeaderSize || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, fmt.Errorf("asr: not a RIFF/WAVE file")
	}

	var (
		channels      int
		bitsPerSample int
		data          []byte
	)

	// Walk the chunk list; chunks are word-aligned.
	for off := wavHeaderSize; off+8 <= len(raw); {
		id := string(raw[off : off+4])
		size := int(binary.LittleEndian.Uint32(raw[off+4 : off+8]))
		body := off + 8
		if body+size > len(raw) {
			size = len(raw) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("asr: wav fmt chunk truncated")
			}
			format := binary.LittleEndian.Uint16(raw[body : body+2])
			if format != 1 {
				return nil, fmt.Errorf("asr: wav audio format %d is not PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(raw[body+2 : body+4]))
			bitsPerSample = int(binary.LittleEndian.Uint16(raw[body+14 : body+16]))
		case "data":
			data = raw[body : body+size]
		}

		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if channels == 0 {
		return nil, fmt.Errorf("asr: wav has no fmt chunk")
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("asr: wav is %d-bit, want 16-bit PCM", bitsPerSample)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("asr: wav has no data chunk")
	}
	return pcmToFloat32Mono(data, channels), nil
}

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. Any trailing odd byte is
// silently ignored.
func pcmToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// pcmToFloat32Mono down-mixes multi-channel 16-bit PCM to mono float32 by
// averaging all channels per frame. If channels is 1 this is equivalent to
// pcmToFloat32.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return pcmToFloat32(pcm)
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerChannel)
	for i := range samplesPerChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
