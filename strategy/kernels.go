package strategy

// Flat float32 kernels over per-parameter gradient and weight vectors.
// Gradients are exported from the graph as aligned slices, reshaped here,
// and written back through the solver; keeping the arithmetic out of the
// graph keeps it cheap to test.

func cloneVecs(src [][]float32) [][]float32 {
	out := make([][]float32, len(src))
	for i, v := range src {
		out[i] = append([]float32(nil), v...)
	}
	return out
}

// dotAll is the inner product of two aligned parameter-vector lists.
func dotAll(a, b [][]float32) float64 {
	var sum float64
	for i := range a {
		for j := range a[i] {
			sum += float64(a[i][j]) * float64(b[i][j])
		}
	}
	return sum
}

func sqNormAll(a [][]float32) float64 { return dotAll(a, a) }

// projectAGEM removes the component of grads that conflicts with the
// reference gradients: when g·gref < 0, g is replaced by its projection
// onto the half-space {v : v·gref >= 0}. Gradients that already agree
// with the reference pass through untouched.
func projectAGEM(grads, ref [][]float32) {
	dot := dotAll(grads, ref)
	if dot >= 0 {
		return
	}
	refSq := sqNormAll(ref)
	if refSq == 0 {
		return
	}
	coef := float32(dot / refSq)
	for i := range grads {
		for j := range grads[i] {
			grads[i][j] -= coef * ref[i][j]
		}
	}
}

// paramState holds one float32 vector per parameter name, allocated on
// first touch so strategies stay agnostic of the parameter set until the
// first step.
type paramState map[string][]float32

func (s paramState) vec(name string, size int) []float32 {
	v, ok := s[name]
	if !ok {
		v = make([]float32, size)
		s[name] = v
	}
	return v
}

func (s paramState) clone() paramState {
	out := make(paramState, len(s))
	for name, v := range s {
		out[name] = append([]float32(nil), v...)
	}
	return out
}
