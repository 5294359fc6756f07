package aggregator

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// ErrUnsupportedFormat is returned for files that are not decodable RIFF/WAVE audio
var ErrUnsupportedFormat = errors.New("unsupported audio format")

const (
	formatPCM        = 0x0001
	formatIEEEFloat  = 0x0003
	formatExtensible = 0xFFFE

	// WAVE_FORMAT_EXTENSIBLE is 40 bytes; anything past this is skipped
	maxFmtChunk = 64
)

// WAVDecoder turns RIFF/WAVE files into mono float samples.
// Multi-channel frames are averaged; sample values keep their native integer scale.
type WAVDecoder struct{}

// NewWAVDecoder creates a WAV decoder
func NewWAVDecoder() *WAVDecoder {
	return &WAVDecoder{}
}

type wavFormat struct {
	audioFormat   uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

// Decode reads path and returns its sample rate and mono samples
func (d *WAVDecoder) Decode(path string) (int, []float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	sampleRate, samples, err := DecodeWAV(bufio.NewReaderSize(f, 64*1024))
	if err != nil {
		return 0, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return sampleRate, samples, nil
}

// DecodeWAV decodes a RIFF/WAVE stream into mono samples
func DecodeWAV(r io.Reader) (int, []float64, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("%w: short header", ErrUnsupportedFormat)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return 0, nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}

	var format *wavFormat
	chunkHeader := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunkHeader); err != nil {
			return 0, nil, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := int64(binary.LittleEndian.Uint32(chunkHeader[4:8]))

		switch chunkID {
		case "fmt ":
			// Only the first maxFmtChunk bytes carry fields we read
			fmtChunk := make([]byte, min(chunkSize, maxFmtChunk))
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return 0, nil, fmt.Errorf("%w: truncated fmt chunk", ErrUnsupportedFormat)
			}
			parsed, err := parseFormat(fmtChunk)
			if err != nil {
				return 0, nil, err
			}
			format = parsed
			// Chunks are word aligned
			rest := chunkSize - int64(len(fmtChunk)) + chunkSize%2
			if _, err := io.CopyN(io.Discard, r, rest); err != nil {
				return 0, nil, fmt.Errorf("%w: truncated fmt chunk", ErrUnsupportedFormat)
			}
		case "data":
			if format == nil {
				return 0, nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrUnsupportedFormat)
			}
			samples, err := readMono(r, chunkSize, format)
			if err != nil {
				return 0, nil, err
			}
			return format.sampleRate, samples, nil
		default:
			if _, err := io.CopyN(io.Discard, r, chunkSize+chunkSize%2); err != nil {
				return 0, nil, fmt.Errorf("%w: truncated %q chunk", ErrUnsupportedFormat, chunkID)
			}
		}
	}
}

func parseFormat(chunk []byte) (*wavFormat, error) {
	if len(chunk) < 16 {
		return nil, fmt.Errorf("%w: fmt chunk too short", ErrUnsupportedFormat)
	}

	format := &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(chunk[0:2]),
		channels:      int(binary.LittleEndian.Uint16(chunk[2:4])),
		sampleRate:    int(binary.LittleEndian.Uint32(chunk[4:8])),
		bitsPerSample: int(binary.LittleEndian.Uint16(chunk[14:16])),
	}

	// WAVE_FORMAT_EXTENSIBLE carries the real format in the sub-format GUID
	if format.audioFormat == formatExtensible {
		if len(chunk) < 26 {
			return nil, fmt.Errorf("%w: extensible fmt chunk too short", ErrUnsupportedFormat)
		}
		format.audioFormat = binary.LittleEndian.Uint16(chunk[24:26])
	}

	if format.channels <= 0 {
		return nil, fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, format.channels)
	}

	switch format.audioFormat {
	case formatPCM:
		switch format.bitsPerSample {
		case 8, 16, 24, 32:
		default:
			return nil, fmt.Errorf("%w: %d-bit PCM", ErrUnsupportedFormat, format.bitsPerSample)
		}
	case formatIEEEFloat:
		if format.bitsPerSample != 32 && format.bitsPerSample != 64 {
			return nil, fmt.Errorf("%w: %d-bit float", ErrUnsupportedFormat, format.bitsPerSample)
		}
	default:
		return nil, fmt.Errorf("%w: format tag %#04x", ErrUnsupportedFormat, format.audioFormat)
	}

	return format, nil
}

// readMono reads the data chunk and averages each frame down to one sample.
// A truncated final frame is dropped.
func readMono(r io.Reader, dataSize int64, format *wavFormat) ([]float64, error) {
	bytesPerSample := format.bitsPerSample / 8
	bytesPerFrame := bytesPerSample * format.channels

	frameCount := dataSize / int64(bytesPerFrame)
	// Streaming writers may leave the size field at 0xFFFFFFFF
	samples := make([]float64, 0, min(frameCount, 1<<20))
	frame := make([]byte, bytesPerFrame)

	for i := int64(0); i < frameCount; i++ {
		if _, err := io.ReadFull(r, frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Recorder killed mid-write; keep what we have
				break
			}
			return nil, err
		}

		var sum float64
		for ch := 0; ch < format.channels; ch++ {
			sum += decodeSample(frame[ch*bytesPerSample:(ch+1)*bytesPerSample], format)
		}
		samples = append(samples, sum/float64(format.channels))
	}

	return samples, nil
}

func decodeSample(b []byte, format *wavFormat) float64 {
	if format.audioFormat == formatIEEEFloat {
		if format.bitsPerSample == 64 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}

	switch format.bitsPerSample {
	case 8:
		// 8-bit PCM is unsigned
		return float64(int(b[0]) - 128)
	case 16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return float64(v)
	default:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	}
}
