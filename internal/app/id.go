package app

import "crypto/rand"

// generateID produces a random hex identifier.
// Isolated here so the ID strategy can evolve independently.
func generateID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	const hex = "0123456789abcdef"
	out := make([]byte, 32)
	for i, v := range b {
		out[i*2] = hex[v>>4]
		out[i*2+1] = hex[v&0x0f]
	}
	return string(out), nil
}

// GenerateID exposes the id strategy to adapters that create records
// (the repository's lazy FindOrCreate path).
func GenerateID() (string, error) { return generateID() }
