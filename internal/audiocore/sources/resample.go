package sources

// resample converts samples from one rate to another with cubic
// interpolation. Inputs shorter than four samples fall back to nearest
// neighbour.
func resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(toRate) / float64(fromRate)
	outLen := int(float64(len(samples)) * ratio)
	out := make([]float32, outLen)

	if len(samples) < 4 {
		for i := range out {
			out[i] = samples[min(int(float64(i)/ratio), len(samples)-1)]
		}
		return out
	}

	lastIndex := len(samples) - 3
	for i := range out {
		pos := float64(i) / ratio
		index := int(pos)
		// stay inside the four-point neighbourhood
		index = max(1, min(index, lastIndex))
		t := float32(pos - float64(index))

		y0, y1, y2, y3 := samples[index-1], samples[index], samples[index+1], samples[index+2]
		t2 := t * t
		a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
		a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
		a2 := -0.5*y0 + 0.5*y2
		out[i] = a0*t*t2 + a1*t2 + a2*t + y1
	}
	return out
}
