package audio

import "fmt"

// Resampler converts a mono 16-bit stream between two fixed rates using
// linear interpolation. The fractional read position is carried across
// Process calls so frame boundaries stay phase-continuous; resetting it per
// buffer would click audibly at every edge.
type Resampler struct {
	srcRate int
	dstRate int
	step    float64

	pos    float64
	last   int16
	primed bool
}

func NewResampler(srcRate, dstRate int) (*Resampler, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("%w: resample %d -> %d", ErrFormat, srcRate, dstRate)
	}
	return &Resampler{
		srcRate: srcRate,
		dstRate: dstRate,
		step:    float64(srcRate) / float64(dstRate),
	}, nil
}

// Process resamples one buffer. The final input sample is retained to seed
// interpolation on the next call, so output for a stream split at arbitrary
// buffer boundaries matches the output for the unsplit stream.
func (r *Resampler) Process(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}

	var ext []int16
	if r.primed {
		ext = make([]int16, 0, len(in)+1)
		ext = append(ext, r.last)
		ext = append(ext, in...)
	} else {
		ext = in
		r.primed = true
	}

	out := make([]int16, 0, int(float64(len(in))/r.step)+2)
	pos := r.pos
	for int(pos)+1 < len(ext) {
		i := int(pos)
		frac := pos - float64(i)
		a, b := float64(ext[i]), float64(ext[i+1])
		out = append(out, clampSample(int(a+(b-a)*frac)))
		pos += r.step
	}

	r.pos = pos - float64(len(ext)-1)
	r.last = ext[len(ext)-1]
	return out
}

// Reset drops carried phase state, for reuse across unrelated streams.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
	r.primed = false
}
