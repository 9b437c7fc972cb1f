package sample

// Downsample reduces samples to at most maxPoints by simple decimation.
// Destination-based: reuses dst if it has sufficient capacity, otherwise allocates new.
// If len(samples) <= maxPoints or maxPoints <= 0, all samples are copied.
func Downsample(dst []Scaled, samples []Scaled, maxPoints int) []Scaled {
	if maxPoints <= 0 || len(samples) <= maxPoints {
		return copyInto(dst, samples)
	}

	dst = reuse(dst, maxPoints)

	step := float64(len(samples)) / float64(maxPoints)
	for i := 0; i < maxPoints; i++ {
		idx := int(float64(i) * step)
		if idx < len(samples) {
			dst = append(dst, samples[idx])
		}
	}

	return dst
}

// Average reduces samples to at most maxPoints by averaging consecutive bins.
// Each output keeps the index of the first sample in its bin.
func Average(dst []Scaled, samples []Scaled, maxPoints int) []Scaled {
	if maxPoints <= 0 || len(samples) <= maxPoints {
		return copyInto(dst, samples)
	}

	dst = reuse(dst, maxPoints)

	step := float64(len(samples)) / float64(maxPoints)
	for i := 0; i < maxPoints; i++ {
		start := int(float64(i) * step)
		end := int(float64(i+1) * step)
		if i == maxPoints-1 || end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			continue
		}

		var sum float64
		for _, s := range samples[start:end] {
			sum += s.Value
		}
		dst = append(dst, Scaled{
			Index: samples[start].Index,
			Value: sum / float64(end-start),
		})
	}

	return dst
}

func copyInto(dst, samples []Scaled) []Scaled {
	if cap(dst) >= len(samples) {
		dst = dst[:len(samples)]
		copy(dst, samples)
		return dst
	}
	result := make([]Scaled, len(samples))
	copy(result, samples)
	return result
}

func reuse(dst []Scaled, n int) []Scaled {
	if cap(dst) >= n {
		return dst[:0]
	}
	return make([]Scaled, 0, n)
}
