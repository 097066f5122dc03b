package conf

import "github.com/Hugo0713/Kunpeng-AED/internal/features"

// NewExtractor builds the feature extractor described by the audio and
// features sections, with the configured initial normalization.
func (s *Settings) NewExtractor() (*features.Extractor, error) {
	stats, err := features.NewNormalizationStats(s.Features.Mean, s.Features.Std)
	if err != nil {
		return nil, err
	}
	cfg := features.DefaultConfig()
	cfg.SampleRate = s.Audio.SampleRate
	cfg.NFFT = s.Features.NFFT
	cfg.HopLength = s.Features.HopLength
	cfg.NMels = s.Features.NMels
	cfg.FMin = s.Features.FMin
	cfg.FMax = s.Features.FMax
	cfg.Workers = s.Features.Workers
	return features.NewExtractor(cfg, stats)
}
