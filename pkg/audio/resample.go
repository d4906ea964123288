package audio

import "math"

// Resample converts a mono block from sourceRate to targetRate by averaging
// the input samples that fall into each output window. It is meant for
// downsampling capture blocks; upsampling degenerates to sample-and-hold.
//
// The output holds round(len(block)/ratio) samples where ratio is
// sourceRate/targetRate. Window boundaries are rounded to the nearest input
// index; a window that would extend past the input is clipped, and an empty
// window yields 0. If the rates match, or either is not positive, block is
// returned unchanged.
func Resample(block []float32, sourceRate, targetRate int) []float32 {
	if sourceRate <= 0 || targetRate <= 0 || sourceRate == targetRate {
		return block
	}
	ratio := float64(sourceRate) / float64(targetRate)
	n := int(math.Round(float64(len(block)) / ratio))
	out := make([]float32, n)

	offset := 0
	for i := range n {
		next := int(math.Round(float64(i+1) * ratio))
		end := min(next, len(block))

		var sum float64
		count := 0
		for j := offset; j < end; j++ {
			sum += float64(block[j])
			count++
		}
		if count > 0 {
			out[i] = float32(sum / float64(count))
		}
		offset = next
	}
	return out
}

// Interpolate resamples mono float samples from srcRate to dstRate using
// linear interpolation. Used on the playback side where upsampling is
// common. If the rates match, or either is not positive, samples is returned
// unchanged.
func Interpolate(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstLen {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
