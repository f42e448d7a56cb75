// Package goodkey gates which public keys are acceptable, both for account
// keys and for the keys inside CSRs.
package goodkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"math/big"

	"github.com/titanous/rocacheck"

	berrors "github.com/petra-ca/petra/errors"
)

// To be considered a good RSA key the modulus must be within these bounds
// and a multiple of 8 bits.
const (
	minRSAModulusBits = 2048
	maxRSAModulusBits = 4096
)

// smallPrimes are checked as divisors of RSA moduli. A modulus divisible by
// any of these was never a product of two large primes.
var smallPrimes []*big.Int

func init() {
	for _, p := range []int64{
		2, 3, 5, 7, 11, 13, 17, 19, 23, 29, 31, 37, 41, 43, 47, 53, 59, 61,
		67, 71, 73, 79, 83, 89, 97, 101, 103, 107, 109, 113, 127, 131, 137,
		139, 149, 151, 157, 163, 167, 173, 179, 181, 191, 193, 197, 199,
	} {
		smallPrimes = append(smallPrimes, big.NewInt(p))
	}
}

// KeyPolicy determines which types of key may be used.
type KeyPolicy struct {
	AllowRSA   bool
	AllowECDSA bool
}

// NewPolicy returns a KeyPolicy with the default allowances: RSA 2048-4096
// and ECDSA P-256/P-384.
func NewPolicy() KeyPolicy {
	return KeyPolicy{AllowRSA: true, AllowECDSA: true}
}

// GoodKey returns nil if the public key is acceptable, and a typed error
// describing the defect otherwise.
func (policy *KeyPolicy) GoodKey(key crypto.PublicKey) error {
	switch t := key.(type) {
	case *rsa.PublicKey:
		if !policy.AllowRSA {
			return berrors.BadPublicKeyError("RSA keys are not allowed")
		}
		return policy.goodKeyRSA(t)
	case *ecdsa.PublicKey:
		if !policy.AllowECDSA {
			return berrors.BadPublicKeyError("ECDSA keys are not allowed")
		}
		return policy.goodKeyECDSA(t)
	default:
		return berrors.BadPublicKeyError("unsupported key type %T", t)
	}
}

func (policy *KeyPolicy) goodKeyRSA(key *rsa.PublicKey) error {
	modulus := key.N

	bitLen := modulus.BitLen()
	if bitLen < minRSAModulusBits {
		return berrors.BadPublicKeyError("key size %d is too small, the minimum is %d bits", bitLen, minRSAModulusBits)
	}
	if bitLen > maxRSAModulusBits {
		return berrors.BadPublicKeyError("key size %d is too large, the maximum is %d bits", bitLen, maxRSAModulusBits)
	}
	if bitLen%8 != 0 {
		return berrors.BadPublicKeyError("key size %d is not a multiple of 8 bits", bitLen)
	}

	// The exponent must be odd and at least the Fermat prime F4. Anything
	// smaller or even is either trivially insecure or nonstandard enough to
	// signal a broken generator.
	if key.E%2 == 0 {
		return berrors.BadPublicKeyError("key exponent %d is even", key.E)
	}
	if key.E < 65537 {
		return berrors.BadPublicKeyError("key exponent %d is too small, the minimum is 65537", key.E)
	}

	mod := new(big.Int)
	for _, prime := range smallPrimes {
		if mod.Mod(modulus, prime).Sign() == 0 {
			return berrors.BadPublicKeyError("key modulus is divisible by %s", prime)
		}
	}

	if rocacheck.IsWeak(key) {
		return berrors.BadPublicKeyError("key generated by vulnerable Infineon-based hardware")
	}

	return nil
}

func (policy *KeyPolicy) goodKeyECDSA(key *ecdsa.PublicKey) error {
	switch name := key.Params().Name; name {
	case "P-256", "P-384":
		// allowed
	default:
		return berrors.BadPublicKeyError("ECDSA curve %s not allowed", name)
	}
	// The point must actually be on the named curve.
	if key.X == nil || key.Y == nil || !key.Curve.IsOnCurve(key.X, key.Y) {
		return berrors.BadPublicKeyError("key point is not on its curve")
	}
	return nil
}
