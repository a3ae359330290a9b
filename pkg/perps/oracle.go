package perps

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// Ed25519Oracle verifies price attestations signed by a trusted
// reporter key. Proof layout: 64-byte signature followed by a JSON
// array of price points.
type Ed25519Oracle struct {
	signers []ed25519.PublicKey
}

// NewEd25519Oracle creates an oracle trusting the given reporter keys.
func NewEd25519Oracle(signers ...ed25519.PublicKey) *Ed25519Oracle {
	return &Ed25519Oracle{signers: signers}
}

// DecodeProof implements PriceOracle.
func (o *Ed25519Oracle) DecodeProof(proof []byte) ([]PricePoint, error) {
	if len(proof) <= ed25519.SignatureSize {
		return nil, fmt.Errorf("proof too short: %d bytes", len(proof))
	}
	sig, payload := proof[:ed25519.SignatureSize], proof[ed25519.SignatureSize:]
	verified := false
	for _, pub := range o.signers {
		if ed25519.Verify(pub, payload, sig) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, fmt.Errorf("proof signature does not match any trusted reporter")
	}
	var points []PricePoint
	if err := json.Unmarshal(payload, &points); err != nil {
		return nil, fmt.Errorf("unmarshal proof payload: %w", err)
	}
	return points, nil
}

// SignProof builds a proof blob from price points. Used by reporter
// tooling and tests.
func SignProof(priv ed25519.PrivateKey, points []PricePoint) ([]byte, error) {
	payload, err := json.Marshal(points)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(priv, payload)
	return append(sig, payload...), nil
}
