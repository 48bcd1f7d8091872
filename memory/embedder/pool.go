package embedder

import "math"

// Epsilon is the norm below which a vector is left unnormalized.
const Epsilon = 1e-12

// Hidden is the flattened [SeqLen, Size] output of a forward pass.
type Hidden struct {
	Data   []float32
	SeqLen int
	Size   int
}

// MeanPool averages the hidden states of positions whose mask bit is set.
//
// Positions past len(mask) never contribute. When no position is valid the
// zero vector is returned with ok set to false.
func MeanPool(h Hidden, mask []int64) (pooled []float32, ok bool) {
	pooled = make([]float32, h.Size)
	if h.Size == 0 || len(h.Data) < h.SeqLen*h.Size {
		return pooled, false
	}

	sums := make([]float64, h.Size)
	denom := 0
	for t := 0; t < h.SeqLen && t < len(mask); t++ {
		if mask[t] == 0 {
			continue
		}
		denom++
		row := h.Data[t*h.Size : (t+1)*h.Size]
		for j, v := range row {
			sums[j] += float64(v)
		}
	}

	if denom == 0 {
		return pooled, false
	}
	for j, s := range sums {
		pooled[j] = float32(s / float64(denom))
	}
	return pooled, true
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize scales v to unit length in place.
// It reports false and leaves v untouched when the norm is below Epsilon or not finite.
func Normalize(v []float32) bool {
	norm := Norm(v)
	if norm < Epsilon || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return false
	}

	inv := 1.0 / norm
	for i, x := range v {
		v[i] = float32(float64(x) * inv)
	}
	return true
}
