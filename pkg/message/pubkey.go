package message

import (
	"crypto/dsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// oidPublicKeyDSA is the X.509 SubjectPublicKeyInfo algorithm OID for DSA
// (1.2.840.10040.4.1). crypto/x509 can parse it (kept for legacy
// interoperability) but cannot marshal it, so encoding is done by hand
// here, mirroring the structure x509.ParsePKIXPublicKey expects.
var oidPublicKeyDSA = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}

type dsaAlgorithmParameters struct {
	P, Q, G *big.Int
}

type pkixPublicKey struct {
	Algo      pkix.AlgorithmIdentifier
	BitString asn1.BitString
}

// marshalPublicKey renders pub as an X.509 SubjectPublicKeyInfo blob, the
// encoding the PUBLIC_KEY and PUBLIC_KEY_SIGNATURE content types carry.
func marshalPublicKey(pub *dsa.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("message: nil public key")
	}
	params := dsaAlgorithmParameters{P: pub.P, Q: pub.Q, G: pub.G}
	paramBytes, err := asn1.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("message: marshal dsa params: %w", err)
	}
	yBytes, err := asn1.Marshal(pub.Y)
	if err != nil {
		return nil, fmt.Errorf("message: marshal dsa y: %w", err)
	}
	spki := pkixPublicKey{
		Algo: pkix.AlgorithmIdentifier{
			Algorithm:  oidPublicKeyDSA,
			Parameters: asn1.RawValue{FullBytes: paramBytes},
		},
		BitString: asn1.BitString{Bytes: yBytes, BitLength: len(yBytes) * 8},
	}
	return asn1.Marshal(spki)
}

// parsePublicKey decodes an X.509 SubjectPublicKeyInfo blob into a DSA
// public key.
func parsePublicKey(der []byte) (*dsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("message: parse public key: %w", err)
	}
	dsaPub, ok := pub.(*dsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("message: public key is not DSA")
	}
	return dsaPub, nil
}
