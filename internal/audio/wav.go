package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// WAVHeaderSize is the size of the canonical PCM RIFF header.
const WAVHeaderSize = 44

// Format describes a linear PCM stream.
type Format struct {
	SampleRate    int `json:"sample_rate" yaml:"sample_rate"`
	Channels      int `json:"channels" yaml:"channels"`
	BitsPerSample int `json:"bits_per_sample" yaml:"bits_per_sample"`
}

// DefaultFormat is 16 kHz, 16-bit, mono.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// Validate checks that the format can be written into a WAV header.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("channel count must be positive, got %d", f.Channels)
	}
	if f.BitsPerSample <= 0 || f.BitsPerSample%8 != 0 {
		return fmt.Errorf("bits per sample must be a positive multiple of 8, got %d", f.BitsPerSample)
	}
	return nil
}

// BlockAlign is the size in bytes of one frame across all channels.
func (f Format) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// ByteRate is the number of PCM bytes per second.
func (f Format) ByteRate() int {
	return f.SampleRate * f.BlockAlign()
}

// Duration returns the play time of n PCM bytes.
func (f Format) Duration(n int) time.Duration {
	rate := f.ByteRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// FrameBytes returns the byte size of a frame holding d of audio, rounded
// down to whole samples.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.BlockAlign()
}

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // 36 + data length
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // data length
}

// NewWAVHeader builds the header for dataLen bytes of PCM in format f.
func NewWAVHeader(dataLen uint32, f Format) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataLen,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(f.Channels),
		SampleRate:    uint32(f.SampleRate),
		ByteRate:      uint32(f.ByteRate()),
		BlockAlign:    uint16(f.BlockAlign()),
		BitsPerSample: uint16(f.BitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataLen,
	}
}

// Bytes serialises the header to its 44-byte little-endian form.
func (h WAVHeader) Bytes() []byte {
	buf := make([]byte, WAVHeaderSize)
	copy(buf[0:4], h.ChunkID[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.ChunkSize)
	copy(buf[8:12], h.Format[:])
	copy(buf[12:16], h.Subchunk1ID[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.Subchunk1Size)
	binary.LittleEndian.PutUint16(buf[20:22], h.AudioFormat)
	binary.LittleEndian.PutUint16(buf[22:24], h.NumChannels)
	binary.LittleEndian.PutUint32(buf[24:28], h.SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], h.ByteRate)
	binary.LittleEndian.PutUint16(buf[32:34], h.BlockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], h.BitsPerSample)
	copy(buf[36:40], h.Subchunk2ID[:])
	binary.LittleEndian.PutUint32(buf[40:44], h.Subchunk2Size)
	return buf
}

// EncodeWAV prepends a WAV header to raw PCM bytes. Empty PCM yields a
// header-only file.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(pcm)%f.BlockAlign() != 0 {
		return nil, fmt.Errorf("PCM length %d is not a multiple of block align %d", len(pcm), f.BlockAlign())
	}

	out := make([]byte, 0, WAVHeaderSize+len(pcm))
	out = append(out, NewWAVHeader(uint32(len(pcm)), f).Bytes()...)
	out = append(out, pcm...)
	return out, nil
}

// DecodeWAV parses a canonical PCM WAV file and returns its data chunk.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, Format{}, err
	}
	if header.AudioFormat != 1 {
		return nil, Format{}, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	f := Format{
		SampleRate:    int(header.SampleRate),
		Channels:      int(header.NumChannels),
		BitsPerSample: int(header.BitsPerSample),
	}
	if err := f.Validate(); err != nil {
		return nil, Format{}, err
	}

	end := WAVHeaderSize + int(header.Subchunk2Size)
	if end > len(data) {
		return nil, Format{}, fmt.Errorf("WAV data truncated: header declares %d bytes, got %d", header.Subchunk2Size, len(data)-WAVHeaderSize)
	}
	return data[WAVHeaderSize:end], f, nil
}

func readHeader(data []byte) (WAVHeader, error) {
	var header WAVHeader
	if err := ValidateWAV(data); err != nil {
		return header, err
	}
	if err := binary.Read(bytes.NewReader(data[:WAVHeaderSize]), binary.LittleEndian, &header); err != nil {
		return header, fmt.Errorf("failed to read WAV header: %w", err)
	}
	return header, nil
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}
	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	header, err := readHeader(data)
	if err != nil {
		return nil, err
	}
	if header.SampleRate == 0 || header.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid WAV header: sample rate %d, block align %d", header.SampleRate, header.BlockAlign)
	}

	numSamples := header.Subchunk2Size / uint32(header.BlockAlign)
	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(numSamples) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}
