// ABOUTME: Simple linear resampler for converting audio sample rates
// ABOUTME: Streams int16 PCM between rates using linear interpolation
package resample

// Resampler performs linear interpolation to convert between sample rates.
// Not safe for concurrent use.
type Resampler struct {
	inputRate  int
	outputRate int
	channels   int
	ratio      float64
	position   float64 // Read position relative to the carried frame
	last       []int16 // Last input frame of the previous call, one sample per channel
	primed     bool
}

// New creates a new resampler
func New(inputRate, outputRate, channels int) *Resampler {
	if channels <= 0 {
		channels = 1
	}
	return &Resampler{
		inputRate:  inputRate,
		outputRate: outputRate,
		channels:   channels,
		ratio:      float64(inputRate) / float64(outputRate),
		last:       make([]int16, channels),
	}
}

// Passthrough reports whether input and output rates are equal
func (r *Resampler) Passthrough() bool {
	return r.inputRate == r.outputRate
}

// Resample converts interleaved input samples and returns the interleaved
// output produced so far. Output for the tail of input is emitted on the
// next call once the following frame is known.
func (r *Resampler) Resample(input []int16) []int16 {
	if r.Passthrough() {
		out := make([]int16, len(input))
		copy(out, input)
		return out
	}

	frames := len(input) / r.channels
	if frames == 0 {
		return nil
	}

	// Index -1 refers to the carried frame from the previous call.
	at := func(idx, ch int) int16 {
		if idx < 0 {
			return r.last[ch]
		}
		return input[idx*r.channels+ch]
	}

	start := 0.0
	if !r.primed {
		// Nothing carried yet: the first input frame is position 0.
		start = 1.0
		r.primed = true
		r.position += start
	}

	out := make([]int16, 0, r.OutputSamplesNeeded(len(input))+r.channels)
	for {
		// position is measured from the carried frame: 0 == last, 1 == input[0]
		base := int(r.position)
		if base >= frames {
			break
		}
		frac := r.position - float64(base)
		for ch := 0; ch < r.channels; ch++ {
			s1 := float64(at(base-1, ch))
			s2 := float64(at(base, ch))
			out = append(out, int16(s1*(1.0-frac)+s2*frac))
		}
		r.position += r.ratio
	}

	for ch := 0; ch < r.channels; ch++ {
		r.last[ch] = input[(frames-1)*r.channels+ch]
	}
	r.position -= float64(frames)

	return out
}

// Reset resets the resampler state
func (r *Resampler) Reset() {
	r.position = 0
	r.primed = false
	for i := range r.last {
		r.last[i] = 0
	}
}

// OutputSamplesNeeded estimates how many output samples inputSamples produce
func (r *Resampler) OutputSamplesNeeded(inputSamples int) int {
	inputFrames := inputSamples / r.channels
	outputFrames := int(float64(inputFrames) / r.ratio)
	return outputFrames * r.channels
}
