package audio

import "math"

// Level computes a coarse audio level indicator in [0, 1] from PCM
// samples, suitable for driving a UI meter. The value is the root mean
// square amplitude normalized against full scale.
func Level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, sample := range pcm {
		v := float64(sample)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	level := rms / 32768.0
	if level > 1 {
		level = 1
	}
	return level
}
