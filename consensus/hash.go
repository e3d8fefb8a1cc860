package consensus

import "golang.org/x/crypto/sha3"

// CryptoProvider is the narrow hashing interface consensus code depends on.
// Kept as an interface (rather than a bare function) so tests can swap in a
// provider that records calls; production code always uses StdProvider.
type CryptoProvider interface {
	Hash256(input []byte) [32]byte
}

// StdProvider hashes with SHA3-256. There is exactly one production
// implementation: the consensus hash and every fingerprint in this package
// must be computed the same way on every replica, so this type has no
// configuration knobs.
type StdProvider struct{}

func (StdProvider) Hash256(input []byte) [32]byte {
	return sha3.Sum256(input)
}

// Hash256 is the package-level convenience used by call sites that don't
// need to thread a provider through (tests mainly; driver/constructor code
// should prefer taking a CryptoProvider explicitly).
func Hash256(input []byte) [32]byte {
	return StdProvider{}.Hash256(input)
}
