package goppl

import "golang.org/x/exp/rand"

// Key is an explicit random-number-generator key. There is no global
// generator state anywhere in this package: randomness enters a
// program only through a Key, and independent computations receive
// independent sub-keys through Split. Given the same key and count,
// Split always produces the same sub-keys, which is what makes every
// loss evaluation reproducible.
type Key uint64

// Split derives n sub-keys from k. The derivation is deterministic and
// the sub-keys are statistically independent of each other and of k.
func (k Key) Split(n int) []Key {
	src := rand.NewSource(uint64(k))

	keys := make([]Key, n)
	for i := range keys {
		keys[i] = Key(src.Uint64())
	}
	return keys
}

// Pair splits k into exactly two sub-keys. Estimators use the first
// for the model and the second for the guide.
func (k Key) Pair() (Key, Key) {
	keys := k.Split(2)
	return keys[0], keys[1]
}
