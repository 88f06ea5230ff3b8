package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	outputBitDepth = 16
	pcmFormat      = 1
	floatFormat    = 3
	extensible     = 0xFFFE
	int16Scale     = 32767
)

var (
	// ErrNotWAV is returned when the bytes do not carry a decodable RIFF/WAVE payload
	ErrNotWAV = errors.New("not a valid WAV file")
	// ErrEmptyAudio is returned when a WAV file decodes to zero samples
	ErrEmptyAudio = errors.New("empty audio data")
	// ErrUnsupportedEncoding is returned for sample encodings the decoder cannot read
	ErrUnsupportedEncoding = errors.New("unsupported WAV sample encoding")
)

var riffMagic = []byte("RIFF")

// IsRIFF reports whether data starts with the 4-byte RIFF marker
func IsRIFF(data []byte) bool {
	return len(data) >= len(riffMagic) && bytes.Equal(data[:len(riffMagic)], riffMagic)
}

// NormalizeReport describes what NormalizeReference did to a waveform
type NormalizeReport struct {
	SampleRate int
	Channels   int
	Frames     int
	Peak       float64 // Peak amplitude before normalization
	Scaled     bool    // True when the waveform was peak-normalized
	RMS        float64 // RMS of the written 16-bit samples
	Silent     bool    // RMS below SilenceThreshold
}

// SilenceThreshold is the 16-bit RMS under which a reference is treated as silence
const SilenceThreshold = 100.0

// NormalizeReference decodes a WAV payload, peak-normalizes it when its
// amplitude exceeds 1.0, and writes it as 16-bit PCM to dstPath
func NormalizeReference(src []byte, dstPath string) (NormalizeReport, error) {
	var report NormalizeReport

	decoder := wav.NewDecoder(bytes.NewReader(src))
	if !decoder.IsValidFile() {
		return report, ErrNotWAV
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return report, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 || buf.Format == nil {
		return report, ErrEmptyAudio
	}

	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(decoder.BitDepth)
	}

	var samples []float64
	if isFloatFormat(decoder.WavAudioFormat, src) {
		if bitDepth != 32 {
			return report, fmt.Errorf("%w: %d-bit float samples", ErrUnsupportedEncoding, bitDepth)
		}
		samples = float32Samples(buf.Data)
	} else {
		samples = toUnitFloats(buf.Data, bitDepth)
	}
	report.Peak = PeakAmplitude(samples)
	report.Scaled = report.Peak > 1.0
	samples = NormalizeAudio(samples, 1.0)

	out := &goaudio.IntBuffer{
		Format:         buf.Format,
		Data:           make([]int, len(samples)),
		SourceBitDepth: outputBitDepth,
	}
	ints := make([]int16, len(samples))
	for i, s := range samples {
		v := int16(s * int16Scale)
		ints[i] = v
		out.Data[i] = int(v)
	}

	if err := writeWAV(dstPath, out); err != nil {
		return report, err
	}

	report.SampleRate = buf.Format.SampleRate
	report.Channels = buf.Format.NumChannels
	if report.Channels > 0 {
		report.Frames = len(samples) / report.Channels
	}
	report.RMS = CalculateRMS(ints)
	report.Silent = DetectSilence(ints, SilenceThreshold)

	return report, nil
}

func writeWAV(path string, buf *goaudio.IntBuffer) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	encoder := wav.NewEncoder(f, buf.Format.SampleRate, outputBitDepth, buf.Format.NumChannels, pcmFormat)
	writeErr := encoder.Write(buf)
	closeErr := encoder.Close()
	fileErr := f.Close()

	if writeErr != nil {
		return fmt.Errorf("encode wav: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("finalize wav: %w", closeErr)
	}
	if fileErr != nil {
		return fmt.Errorf("close %s: %w", path, fileErr)
	}
	return nil
}

// isFloatFormat reports IEEE float samples, either as the plain format tag or
// as the sub-format of a WAVE_FORMAT_EXTENSIBLE header
func isFloatFormat(format uint16, src []byte) bool {
	switch format {
	case floatFormat:
		return true
	case extensible:
		sub, ok := extensibleSubFormat(src)
		return ok && sub == floatFormat
	default:
		return false
	}
}

// extensibleSubFormat reads the first two bytes of the sub-format GUID from
// the fmt chunk. The go-audio parser stops after the basic header fields.
func extensibleSubFormat(src []byte) (uint16, bool) {
	const (
		headerSize   = 12 // "RIFF" size "WAVE"
		subFormatOff = 24 // offset of the GUID inside the fmt chunk body
	)
	pos := headerSize
	for pos+8 <= len(src) {
		id := string(src[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(src[pos+4 : pos+8]))
		body := pos + 8
		if id == "fmt " {
			if size < subFormatOff+2 || body+subFormatOff+2 > len(src) {
				return 0, false
			}
			return binary.LittleEndian.Uint16(src[body+subFormatOff:]), true
		}
		pos = body + size + size%2
	}
	return 0, false
}

// float32Samples reinterprets decoded 32-bit words as IEEE floats. The
// decoder returns the raw bits sign-extended into an int.
func float32Samples(data []int) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(math.Float32frombits(uint32(int32(v))))
	}
	return out
}

// toUnitFloats maps integer PCM to floats where full scale is 1.0.
// 8-bit WAV is unsigned and centred on 128.
func toUnitFloats(data []int, bitDepth int) []float64 {
	if bitDepth <= 0 {
		bitDepth = outputBitDepth
	}
	scale := math.Pow(2, float64(bitDepth-1))
	out := make([]float64, len(data))
	for i, v := range data {
		if bitDepth == 8 {
			v -= 128
		}
		out[i] = float64(v) / scale
	}
	return out
}

// PeakAmplitude returns the largest absolute sample value
func PeakAmplitude(samples []float64) float64 {
	peak := 0.0
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}
	return peak
}

// NormalizeAudio scales samples so their peak does not exceed maxAmplitude.
// Samples already within range are returned as-is.
func NormalizeAudio(samples []float64, maxAmplitude float64) []float64 {
	if len(samples) == 0 {
		return samples
	}

	maxVal := PeakAmplitude(samples)
	if maxVal <= maxAmplitude {
		return samples
	}

	ratio := maxAmplitude / maxVal
	normalized := make([]float64, len(samples))
	for i, sample := range samples {
		normalized[i] = sample * ratio
	}

	return normalized
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// DetectSilence reports whether samples fall below the RMS threshold
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
