package features

import "math"

// Slaney mel scale: linear below 1 kHz, logarithmic above.
const (
	melLinearStep = 200.0 / 3
	melLogMinHz   = 1000.0
	melLogMin     = melLogMinHz / melLinearStep
)

var melLogStep = math.Log(6.4) / 27

func hzToMel(hz float64) float64 {
	if hz >= melLogMinHz {
		return melLogMin + math.Log(hz/melLogMinHz)/melLogStep
	}
	return hz / melLinearStep
}

func melToHz(mel float64) float64 {
	if mel >= melLogMin {
		return melLogMinHz * math.Exp(melLogStep*(mel-melLogMin))
	}
	return melLinearStep * mel
}

// melFilter is one triangular filter, stored from its first non-zero bin.
type melFilter struct {
	start   int
	weights []float64
}

// melFilterBank builds area-normalized triangular filters over the
// nfft/2+1 power bins.
func melFilterBank(nMels, nfft, sampleRate int, fmin, fmax float64) []melFilter {
	bins := nfft/2 + 1
	binHz := float64(sampleRate) / float64(nfft)

	lo, hi := hzToMel(fmin), hzToMel(fmax)
	edges := make([]float64, nMels+2)
	for i := range edges {
		edges[i] = melToHz(lo + (hi-lo)*float64(i)/float64(nMels+1))
	}

	bank := make([]melFilter, nMels)
	for m := range nMels {
		left, center, right := edges[m], edges[m+1], edges[m+2]
		norm := 2 / (right - left)

		var f melFilter
		f.start = -1
		for k := range bins {
			freq := float64(k) * binHz
			w := math.Max(0, math.Min((freq-left)/(center-left), (right-freq)/(right-center)))
			if w == 0 {
				if f.start >= 0 {
					break
				}
				continue
			}
			if f.start < 0 {
				f.start = k
			}
			f.weights = append(f.weights, w*norm)
		}
		if f.start < 0 {
			f.start = 0
		}
		bank[m] = f
	}
	return bank
}

// periodicHann matches scipy's get_window("hann", n, fftbins=True).
func periodicHann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}
