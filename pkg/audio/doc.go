// Package audio defines the device abstractions and PCM helpers shared by the
// capture and playback pipelines.
//
// A [Device] opens a microphone [Source] and a speaker [Output]. Captured
// blocks are float32 mono; they are resampled to the transport rate with
// [Resample] and encoded with [EncodePCM16]. Model audio arrives as base64
// little-endian PCM and is decoded with [DecodeBase64] and
// [DecodePCM16].
//
// Implementations live in sub-packages: audio/local (PortAudio) and
// audio/mock (tests).
package audio
