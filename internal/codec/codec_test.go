// SPDX-License-Identifier: MIT

package codec

import "testing"

func TestSamplingFreqHz(t *testing.T) {
	cases := map[SamplingFreq]uint32{
		Freq8000: 8000,
		Freq16000: 16000,
		Freq24000: 24000,
		Freq32000: 32000,
		Freq441000: 44100,
		Freq48000: 48000,
		SamplingFreq(99): 0,
	}
	for freq, want := range cases {
		if got := freq.Hz(); got != want {
			t.Errorf("%v.Hz() = %d, want %d", freq, got, want)
		}
	}
}

func TestFrameDurationMicroseconds(t *testing.T) {
	if Duration7500us.Microseconds() != 7500 {
		t.Error("Duration7500us.Microseconds() != 7500")
	}
	if Duration10000us.Microseconds() != 10000 {
		t.Error("Duration10000us.Microseconds() != 10000")
	}
}

func TestEncodeDecodeLTVRoundTrip(t *testing.T) {
	cfg := Config{
		SamplingFreq: Freq48000,
		FrameDuration: Duration10000us,
		ChannelAllocation: 0x00000003,
		OctetsPerCodecFrame: 100,
		BlocksPerSdu: 2,
	}
	blob := EncodeLTV(cfg)
	got, err := DecodeLTV(blob)
	if err != nil {
		t.Fatalf("DecodeLTV: %v", err)
	}
	if got != cfg {
		t.Errorf("round trip = %+v, want %+v", got, cfg)
	}
}

func TestDecodeLTVDefaultsBlocksPerSduWhenAbsent(t *testing.T) {
	cfg := Config{SamplingFreq: Freq16000, FrameDuration: Duration10000us, OctetsPerCodecFrame: 40}
	blob := EncodeLTV(cfg) // BlocksPerSdu==0 so EncodeLTV omits the LTV
	got, err := DecodeLTV(blob)
	if err != nil {
		t.Fatalf("DecodeLTV: %v", err)
	}
	if got.BlocksPerSdu != 1 {
		t.Errorf("BlocksPerSdu = %d, want default 1", got.BlocksPerSdu)
	}
}

func TestDecodeLTVTruncated(t *testing.T) {
	if _, err := DecodeLTV([]byte{5, byte(LtvSamplingFreq), 1}); err == nil {
		t.Error("expected error for a declared length exceeding the remaining bytes")
	}
}

func TestDecodeLTVZeroLength(t *testing.T) {
	if _, err := DecodeLTV([]byte{0, byte(LtvSamplingFreq)}); err == nil {
		t.Error("expected error for a zero-length LTV record")
	}
}

func TestRecommendAppliesChannelAllocation(t *testing.T) {
	cfg, ok := Recommend(QualityMedia, 0x01)
	if !ok {
		t.Fatal("Recommend(QualityMedia) should be ok")
	}
	if cfg.ChannelAllocation != 0x01 {
		t.Errorf("ChannelAllocation = %d, want 1", cfg.ChannelAllocation)
	}
	if cfg.SamplingFreq != Freq48000 {
		t.Errorf("SamplingFreq = %v, want Freq48000", cfg.SamplingFreq)
	}
}

func TestRecommendUnknownTier(t *testing.T) {
	if _, ok := Recommend(QualityTier("bogus"), 0); ok {
		t.Error("Recommend should return ok=false for an unknown tier")
	}
}

func TestSduSizeFor(t *testing.T) {
	cfg := Config{OctetsPerCodecFrame: 40, BlocksPerSdu: 2}
	if got := SduSizeFor(cfg); got != 80 {
		t.Errorf("SduSizeFor = %d, want 80", got)
	}
}
