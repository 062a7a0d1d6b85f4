// Package hostkey verifies host-key signatures presented during key
// exchange.
package hostkey

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"math/big"

	"go.sshwire.dev/sshwire/wire"
)

// VerifyRSASignature reports whether sig is a valid ssh-rsa signature
// by the wire-encoded public key in keyBlob over message. The blob is
// an outer length followed by a length-prefixed algorithm name and the
// mpint values e and n. Any parse failure is a rejection, never a
// panic.
//
// ssh-rsa mandates SHA-1; callers that refuse it should gate on the
// negotiated algorithm before calling.
func VerifyRSASignature(keyBlob, message, sig []byte) bool {
	if len(keyBlob) < 4 {
		return false
	}
	b := wire.NewBuffer(keyBlob[4:])
	b.ReadString() // algorithm name
	e := new(big.Int).SetBytes(b.ReadString())
	n := new(big.Int).SetBytes(b.ReadString())
	if b.Err() != nil {
		return false
	}
	// the exponent must fit in an int and be a plausible public exponent
	if e.BitLen() > 31 || e.Int64() < 3 {
		return false
	}
	pub := &rsa.PublicKey{N: n, E: int(e.Int64())}
	digest := sha1.Sum(message)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig) == nil
}
