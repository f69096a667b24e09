package detect

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var errNotWAV = errors.New("unsupported audio container, expected WAV/PCM")

// DetectAudio scores a WAV artifact from time-domain statistics: spectral
// flatness (approximated over the sample magnitude spectrum proxy), dynamic
// range, near-clipping ratio, and zero-crossing rate. Synthetic speech tends
// to be flatter, cleaner, and lower in dynamic range than recorded audio.
func (d *Detector) DetectAudio(data []byte, filename string) (Result, error) {
	samples, sampleRate, channels, duration, err := decodeWAV(data)
	if err != nil {
		return Result{}, err
	}

	flatness := spectralFlatness(samples)
	dynRange := dynamicRange(samples)
	clipping := clippingRatio(samples)
	zcr := zeroCrossingRate(samples)

	prob := 0.40*flatness +
		0.25*(1.0-clip01(dynRange/0.9)) +
		0.20*clip01(1.0-clipping*40) +
		0.15*clip01(1.0-math.Abs(zcr-0.08)/0.08)
	prob = math.Min(0.95, math.Max(0.05, prob))
	prob = math.Round(prob*1000) / 1000

	var model *string
	if prob > 0.5 {
		model = strptr("neural-tts")
	}

	verdict := "likely recorded"
	if prob > 0.5 {
		verdict = "likely synthesized"
	}
	return Result{
		Probability:     prob,
		ModelPrediction: model,
		Signals: map[string]any{
			"sample_rate":        sampleRate,
			"duration_seconds":   math.Round(duration*100) / 100,
			"channel_count":      channels,
			"spectral_flatness":  math.Round(flatness*1000) / 1000,
			"dynamic_range":      math.Round(dynRange*1000) / 1000,
			"clipping_ratio":     math.Round(clipping*10000) / 10000,
			"zero_crossing_rate": math.Round(zcr*10000) / 10000,
		},
		Explanation: fmt.Sprintf("Audio appears %s based on spectral and dynamic profile.", verdict),
	}, nil
}

// decodeWAV parses a canonical RIFF/WAVE file with 16-bit PCM samples and
// returns normalized mono samples in [-1, 1].
func decodeWAV(data []byte) ([]float64, int, int, float64, error) {
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, 0, 0, errNotWAV
	}

	var sampleRate, channels, bitsPerSample int
	var pcm []byte
	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkLen := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkLen > len(data) {
			chunkLen = len(data) - body
		}
		switch chunkID {
		case "fmt ":
			if chunkLen >= 16 {
				channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
				sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
				bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			}
		case "data":
			pcm = data[body : body+chunkLen]
		}
		offset = body + chunkLen
		if chunkLen%2 == 1 {
			offset++
		}
	}

	if sampleRate == 0 || channels == 0 || len(pcm) == 0 {
		return nil, 0, 0, 0, errNotWAV
	}
	if bitsPerSample != 16 {
		return nil, 0, 0, 0, fmt.Errorf("%w: %d-bit samples", errNotWAV, bitsPerSample)
	}

	frameSize := 2 * channels
	frames := len(pcm) / frameSize
	samples := make([]float64, 0, frames)
	for i := 0; i < frames; i++ {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			raw := int16(binary.LittleEndian.Uint16(pcm[i*frameSize+ch*2 : i*frameSize+ch*2+2]))
			sum += float64(raw) / 32768.0
		}
		samples = append(samples, sum/float64(channels))
	}
	duration := float64(frames) / float64(sampleRate)
	return samples, sampleRate, channels, duration, nil
}

// spectralFlatness approximates geometric/arithmetic mean ratio over
// windowed signal energy.
func spectralFlatness(samples []float64) float64 {
	if len(samples) < 256 {
		return 0.5
	}
	window := 256
	energies := make([]float64, 0, len(samples)/window)
	for i := 0; i+window <= len(samples); i += window {
		e := 1e-12
		for _, s := range samples[i : i+window] {
			e += s * s
		}
		energies = append(energies, e/float64(window))
	}
	if len(energies) == 0 {
		return 0.5
	}
	logSum, sum := 0.0, 0.0
	for _, e := range energies {
		logSum += math.Log(e)
		sum += e
	}
	geo := math.Exp(logSum / float64(len(energies)))
	arith := sum / float64(len(energies))
	if arith == 0 {
		return 0.5
	}
	return clip01(geo / arith)
}

func dynamicRange(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	minV, maxV := samples[0], samples[0]
	for _, s := range samples {
		if s < minV {
			minV = s
		}
		if s > maxV {
			maxV = s
		}
	}
	return maxV - minV
}

func clippingRatio(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	clipped := 0
	for _, s := range samples {
		if math.Abs(s) >= 0.985 {
			clipped++
		}
	}
	return float64(clipped) / float64(len(samples))
}

func zeroCrossingRate(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}
