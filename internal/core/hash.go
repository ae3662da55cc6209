package core

import "hash/fnv"

const hashBuckets = 10000

// Hash maps seed to [0, 1) with 32-bit FNV-1a over its UTF-8 bytes, reduced
// modulo 10000. Every conforming implementation must produce identical
// output; changing it reassigns users between variations.
func Hash(seed string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	return float64(h.Sum32()%hashBuckets) / hashBuckets
}
