package benchmark

import (
	"context"

	"github.com/Hugo0713/Kunpeng-AED/internal/audiocore/sources"
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
	"github.com/Hugo0713/Kunpeng-AED/internal/features"
)

// maxFileFrames caps how many windows FileInputs extracts.
const maxFileFrames = 16

// FileInputs extracts feature matrices from consecutive non-overlapping
// windows of an audio file. A trailing partial window is ignored.
func FileInputs(ctx context.Context, path string, ex *features.Extractor, windowSamples int) ([]features.FeatureMatrix, error) {
	src, err := sources.OpenFile(path, ex.Config().SampleRate, false)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	var frames [][]float32
	for len(frames) < maxFileFrames {
		block, err := src.ReadBlock(ctx, windowSamples)
		if len(block) == windowSamples {
			frames = append(frames, block)
		}
		if errors.Is(err, sources.ErrEndOfStream) {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if len(frames) == 0 {
		return nil, errors.Newf("audio file shorter than one window of %d samples", windowSamples).
			Component(componentBenchmark).
			Category(errors.CategoryValidation).
			FileContext(path).
			Build()
	}
	return ex.ExtractBatch(ctx, frames)
}
