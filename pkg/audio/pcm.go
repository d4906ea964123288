package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EncodePCM16 converts float samples to 16-bit signed little-endian PCM.
// Samples are clamped to [-1, 1] first; negative values scale by 32768 and
// positive values by 32767 so both extremes map onto the int16 range
// exactly. Negative values round to nearest and positive values round up,
// which keeps DecodePCM16(EncodePCM16(x)) within 1/32768 of x. The result
// is always 2*len(samples) bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(max(-1, min(1, s)))
		if v < 0 {
			v = math.Round(v * 32768)
		} else {
			v = math.Ceil(v * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 converts 16-bit signed little-endian PCM to float samples in
// [-1, 1) by dividing by 32768. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// EncodeBase64 renders raw bytes as standard, padded base64 text.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 parses standard base64 text.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return b, nil
}

// RateFromMIME extracts the rate parameter of an audio MIME type such as
// "audio/pcm;rate=24000". It returns def when the parameter is missing or
// malformed.
func RateFromMIME(mimeType string, def int) int {
	_, params, ok := strings.Cut(mimeType, ";")
	if !ok {
		return def
	}
	for p := range strings.SplitSeq(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		rate, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || rate <= 0 {
			return def
		}
		return rate
	}
	return def
}
