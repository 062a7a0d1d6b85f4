package hostkey

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"math/big"
	"testing"

	"go.sshwire.dev/sshwire/wire"
)

func encodeKeyBlob(pub *rsa.PublicKey) []byte {
	inner := wire.NewBuffer(nil)
	inner.WriteString([]byte("ssh-rsa"))
	inner.WriteString(big.NewInt(int64(pub.E)).Bytes())
	inner.WriteString(pub.N.Bytes())
	outer := wire.NewBuffer(nil)
	outer.WriteString(inner.Bytes())
	return outer.Bytes()
}

func signedFixture(t *testing.T) (blob, message, sig []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	message = []byte("exchange hash")
	digest := sha1.Sum(message)
	sig, err = rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	return encodeKeyBlob(&priv.PublicKey), message, sig
}

func TestVerifyRSASignature(t *testing.T) {
	blob, message, sig := signedFixture(t)
	if !VerifyRSASignature(blob, message, sig) {
		t.Fatal("valid signature rejected")
	}
}

func TestVerifyRejectsCorruptSignature(t *testing.T) {
	blob, message, sig := signedFixture(t)
	for i := range sig {
		corrupt := append([]byte(nil), sig...)
		corrupt[i] ^= 0x01
		if VerifyRSASignature(blob, message, corrupt) {
			t.Fatalf("corrupt signature accepted (byte %v)", i)
		}
	}
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	blob, _, sig := signedFixture(t)
	if VerifyRSASignature(blob, []byte("some other hash"), sig) {
		t.Fatal("signature accepted for a different message")
	}
}

func TestVerifyRejectsMalformedBlob(t *testing.T) {
	blob, message, sig := signedFixture(t)
	cases := map[string][]byte{
		"empty":     nil,
		"too short": {0, 0, 0},
		"truncated": blob[:len(blob)/2],
	}
	for name, bad := range cases {
		if VerifyRSASignature(bad, message, sig) {
			t.Fatalf("%s blob accepted", name)
		}
	}
}

func TestVerifyRejectsBadExponent(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	message := []byte("exchange hash")
	digest := sha1.Sum(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	inner := wire.NewBuffer(nil)
	inner.WriteString([]byte("ssh-rsa"))
	inner.WriteString(priv.PublicKey.N.Bytes()) // exponent far beyond 31 bits
	inner.WriteString(priv.PublicKey.N.Bytes())
	outer := wire.NewBuffer(nil)
	outer.WriteString(inner.Bytes())
	if VerifyRSASignature(outer.Bytes(), message, sig) {
		t.Fatal("oversized exponent accepted")
	}
}
