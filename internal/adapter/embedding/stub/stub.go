// Package stub provides a deterministic in-process embedder for local runs
// and tests: the vector is derived from a hash of the image bytes, so the
// same image always embeds to the same point.
package stub

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Embedder derives unit-norm vectors from the image bytes.
type Embedder struct {
	dimension int
}

// New constructs a stub Embedder of the given dimension.
func New(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = 512
	}
	return &Embedder{dimension: dimension}
}

// Dimension returns the vector size.
func (e *Embedder) Dimension() int { return e.dimension }

// EmbedImage hashes the payload into a deterministic pseudo-embedding.
func (e *Embedder) EmbedImage(_ context.Context, data []byte) ([]float32, error) {
	seed := sha256.Sum256(data)
	vec := make([]float32, e.dimension)
	var norm float64
	state := seed
	for i := 0; i < e.dimension; i++ {
		if i%8 == 0 && i > 0 {
			state = sha256.Sum256(state[:])
		}
		bits := binary.BigEndian.Uint32(state[(i%8)*4:])
		// Map to [-1, 1).
		v := float32(int32(bits)) / float32(math.MaxInt32)
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}
