package relay

import (
	"math/rand/v2"
	"sync"
)

// MessageType is the type every generated message carries.
const MessageType = "random_message"

const (
	greetingMarker = "hello"
	transferMarker = "crypto"
)

// Generator produces "hello <word>" or "crypto <word>" with equal odds.
type Generator struct {
	mu    sync.Mutex
	rng   *rand.Rand
	words []string
}

// NewGenerator returns a generator drawing from words. A zero seed picks a
// random one.
func NewGenerator(words []string, seed uint64) *Generator {
	if len(words) == 0 {
		words = []string{"world"}
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Generator{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		words: append([]string(nil), words...),
	}
}

// Next returns the next message content.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix := greetingMarker
	if g.rng.IntN(2) == 1 {
		prefix = transferMarker
	}
	return prefix + " " + g.words[g.rng.IntN(len(g.words))]
}
