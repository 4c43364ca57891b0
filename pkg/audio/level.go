package audio

import "math"

// RMS returns the root-mean-square amplitude of int16 PCM normalised to
// [0, 1]. Empty input yields 0. A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
		sum += s * s
	}
	level := math.Sqrt(sum/float64(n)) / 32768
	return min(max(level, 0), 1)
}
