// SPDX-License-Identifier: MIT

// Package codec models the LC3 codec configuration carried inside ASCS
// Config Codec payloads as LTV (Length-Type-Value) records, and provides
// quality-tier presets for picking a configuration when the upper layer
// hasn't pinned one down.
//
// The LTV layout and the quality-tier preset table follow an
// internal/audio capability/quality-tier model
// (QualityTier, RecommendedSettings, qualityPresets) applied to LC3
// parameters instead of ALSA formats.
package codec

import "fmt"

// LtvType enumerates the LC3 codec-specific LTV types ASCS 1.0 carries
// inside a Config Codec codec_config blob ("codec LC3 with
// parameter LTV types").
type LtvType uint8

const (
	LtvSamplingFreq LtvType = 0x01
	LtvFrameDuration LtvType = 0x02
	LtvAudioChannelAllocation LtvType = 0x03
	LtvOctetsPerCodecFrame LtvType = 0x04
	LtvCodecFramesBlocksPerSdu LtvType = 0x05
)

// SamplingFreq is the LC3 sampling-frequency LTV enum (ASCS 1.0 Table 2.2).
type SamplingFreq uint8

const (
	Freq8000 SamplingFreq = iota + 1
	Freq16000
	Freq24000
	Freq32000
	Freq441000
	Freq48000
)

// Hz returns the sampling frequency in Hz.
func (f SamplingFreq) Hz() uint32 {
	switch f {
	case Freq8000:
		return 8000
	case Freq16000:
		return 16000
	case Freq24000:
		return 24000
	case Freq32000:
		return 32000
	case Freq441000:
		return 44100
	case Freq48000:
		return 48000
	default:
		return 0
	}
}

// FrameDuration is the LC3 frame-duration LTV enum.
type FrameDuration uint8

const (
	Duration7500us FrameDuration = iota
	Duration10000us
)

// Microseconds returns the frame duration in microseconds.
func (d FrameDuration) Microseconds() uint32 {
	if d == Duration7500us {
		return 7500
	}
	return 10000
}

// Config is a decoded/encoded LC3 codec configuration as carried in an
// ASCS Config Codec entry's codec_config blob.
type Config struct {
	SamplingFreq SamplingFreq
	FrameDuration FrameDuration
	ChannelAllocation uint32
	OctetsPerCodecFrame uint16
	BlocksPerSdu uint8
}

// EncodeLTV serializes cfg as the concatenated {length, type, value...}
// records ASCS expects in a Config Codec codec_config field.
func EncodeLTV(cfg Config) []byte {
	out := make([]byte, 0, 16)
	appendTLV := func(typ LtvType, val []byte) {
		out = append(out, byte(len(val)+1), byte(typ))
		out = append(out, val...)
	}
	appendTLV(LtvSamplingFreq, []byte{byte(cfg.SamplingFreq)})
	appendTLV(LtvFrameDuration, []byte{byte(cfg.FrameDuration)})
	appendTLV(LtvAudioChannelAllocation, []byte{
		byte(cfg.ChannelAllocation), byte(cfg.ChannelAllocation >> 8),
		byte(cfg.ChannelAllocation >> 16), byte(cfg.ChannelAllocation >> 24),
	})
	appendTLV(LtvOctetsPerCodecFrame, []byte{byte(cfg.OctetsPerCodecFrame), byte(cfg.OctetsPerCodecFrame >> 8)})
	if cfg.BlocksPerSdu != 0 {
		appendTLV(LtvCodecFramesBlocksPerSdu, []byte{cfg.BlocksPerSdu})
	}
	return out
}

// DecodeLTV parses a codec_config blob back into a Config.
func DecodeLTV(blob []byte) (Config, error) {
	var cfg Config
	cfg.BlocksPerSdu = 1 // ASCS default when the LTV is absent
	i := 0
	for i < len(blob) {
		if i+1 > len(blob) {
			return Config{}, fmt.Errorf("codec: truncated ltv length at offset %d", i)
		}
		length := int(blob[i])
		if length == 0 || i+1+length > len(blob) {
			return Config{}, fmt.Errorf("codec: invalid ltv length %d at offset %d", length, i)
		}
		typ := LtvType(blob[i+1])
		val := blob[i+2 : i+1+length]
		switch typ {
		case LtvSamplingFreq:
			if len(val) < 1 {
				return Config{}, fmt.Errorf("codec: sampling_freq ltv too short")
			}
			cfg.SamplingFreq = SamplingFreq(val[0])
		case LtvFrameDuration:
			if len(val) < 1 {
				return Config{}, fmt.Errorf("codec: frame_duration ltv too short")
			}
			cfg.FrameDuration = FrameDuration(val[0])
		case LtvAudioChannelAllocation:
			if len(val) < 4 {
				return Config{}, fmt.Errorf("codec: channel_allocation ltv too short")
			}
			cfg.ChannelAllocation = uint32(val[0]) | uint32(val[1])<<8 | uint32(val[2])<<16 | uint32(val[3])<<24
		case LtvOctetsPerCodecFrame:
			if len(val) < 2 {
				return Config{}, fmt.Errorf("codec: octets_per_codec_frame ltv too short")
			}
			cfg.OctetsPerCodecFrame = uint16(val[0]) | uint16(val[1])<<8
		case LtvCodecFramesBlocksPerSdu:
			if len(val) < 1 {
				return Config{}, fmt.Errorf("codec: blocks_per_sdu ltv too short")
			}
			cfg.BlocksPerSdu = val[0]
		}
		i += 1 + length
	}
	return cfg, nil
}

// QualityTier selects a preset codec configuration for a use context when
// the upper audio layer hasn't already pinned one down.
type QualityTier string

const (
	QualityVoice QualityTier = "voice"
	QualityMedia QualityTier = "media"
	QualityHigh QualityTier = "high"
)

// qualityPresets mirrors a quality-tier preset table, retuned
// for LC3 parameters instead of ALSA/Opus settings.
var qualityPresets = map[QualityTier]Config{
	QualityVoice: {
		SamplingFreq: Freq16000,
		FrameDuration: Duration10000us,
		OctetsPerCodecFrame: 40,
		BlocksPerSdu: 1,
	},
	QualityMedia: {
		SamplingFreq: Freq48000,
		FrameDuration: Duration10000us,
		OctetsPerCodecFrame: 100,
		BlocksPerSdu: 1,
	},
	QualityHigh: {
		SamplingFreq: Freq48000,
		FrameDuration: Duration10000us,
		OctetsPerCodecFrame: 155,
		BlocksPerSdu: 1,
	},
}

// Recommend returns the preset Config for a quality tier, with the given
// channel allocation applied. ok is false for an unknown tier.
func Recommend(tier QualityTier, channelAllocation uint32) (Config, bool) {
	cfg, ok := qualityPresets[tier]
	if !ok {
		return Config{}, false
	}
	cfg.ChannelAllocation = channelAllocation
	return cfg, true
}

// SduSizeFor estimates the LC3 SDU size in bytes for one codec frame block,
// used when deriving Config QoS max_sdu_size from a negotiated codec
// configuration.
func SduSizeFor(cfg Config) uint16 {
	return cfg.OctetsPerCodecFrame * uint16(cfg.BlocksPerSdu)
}
