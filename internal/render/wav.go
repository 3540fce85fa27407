package render

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wavecraft/studio-core/internal/domain"
)

// wavHeaderSize is the byte size of the RIFF/WAVE header this encoder
// writes (fmt + data chunk headers).
const wavHeaderSize = 44

// EncodeWAV encodes interleaved float samples in [-1, 1] as 16-bit PCM
// little-endian RIFF/WAVE.
func EncodeWAV(samples []float64, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("op=render.EncodeWAV: %w: rate=%d channels=%d", domain.ErrInvalidArgument, sampleRate, channels)
	}
	dataSize := len(samples) * 2
	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	byteRate := sampleRate * channels * 2
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                 // bits per sample

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(s * 32767))
		binary.LittleEndian.PutUint16(buf[wavHeaderSize+i*2:], uint16(v))
	}
	return buf, nil
}

// DecodeWAV decodes 16-bit PCM RIFF/WAVE data into interleaved floats in
// [-1, 1]. Non-PCM or other bit depths are rejected.
func DecodeWAV(data []byte) ([]float64, int, int, error) {
	if len(data) < wavHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("op=render.DecodeWAV: %w: not a RIFF/WAVE file", domain.ErrInvalidArgument)
	}
	var (
		sampleRate int
		channels   int
		bits       int
		format     int
		pcm        []byte
	)
	// Walk chunks; fmt may be preceded by LIST etc. in foreign files.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, fmt.Errorf("op=render.DecodeWAV: %w: short fmt chunk", domain.ErrInvalidArgument)
			}
			format = int(binary.LittleEndian.Uint16(data[body : body+2]))
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}
		if size%2 == 1 {
			size++ // chunks are word-aligned
		}
		off = body + size
	}
	if format != 1 || bits != 16 {
		return nil, 0, 0, fmt.Errorf("op=render.DecodeWAV: %w: unsupported format=%d bits=%d", domain.ErrInvalidArgument, format, bits)
	}
	if channels <= 0 || sampleRate <= 0 || pcm == nil {
		return nil, 0, 0, fmt.Errorf("op=render.DecodeWAV: %w: missing fmt or data chunk", domain.ErrInvalidArgument)
	}
	n := len(pcm) / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float64(v) / 32767
	}
	return out, sampleRate, channels, nil
}
