package perps

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// DelegateCert is a signed authorization to perform one call on behalf
// of a trader. The nonce is a per-signer strictly increasing sequence
// number; Expiry is a unix timestamp after which the cert is dead.
type DelegateCert struct {
	PublicKey ed25519.PublicKey
	Method    string
	Params    []byte // canonical parameter encoding
	Nonce     uint64
	Expiry    int64
	Signature []byte
}

// TraderID derives the account identifier bound to a delegate key.
func TraderID(pub ed25519.PublicKey) string {
	sum := sha3.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[12:])
}

// DelegateDigest is the message a delegate key signs.
func DelegateDigest(method string, params []byte, nonce uint64, expiry int64) []byte {
	h := sha3.New256()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(params)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], nonce)
	binary.BigEndian.PutUint64(buf[8:], uint64(expiry))
	h.Write(buf[:])
	return h.Sum(nil)
}

// SignDelegate produces a cert for one call. Used by relayer clients
// and tests; the engine only ever verifies.
func SignDelegate(priv ed25519.PrivateKey, method string, params []byte, nonce uint64, expiry int64) DelegateCert {
	digest := DelegateDigest(method, params, nonce, expiry)
	return DelegateCert{
		PublicKey: priv.Public().(ed25519.PublicKey),
		Method:    method,
		Params:    params,
		Nonce:     nonce,
		Expiry:    expiry,
		Signature: ed25519.Sign(priv, digest),
	}
}

// Authorizer verifies delegate certs and tracks per-signer nonces.
// Verification and nonce increment are one atomic step.
type Authorizer struct {
	mu     sync.Mutex
	nonces map[string]uint64
}

// NewAuthorizer creates an empty authorizer.
func NewAuthorizer() *Authorizer {
	return &Authorizer{nonces: make(map[string]uint64)}
}

// Verify checks the cert against the expected method and parameter
// encoding and returns the authenticated trader identifier. On success
// the signer's nonce advances; a replayed or out-of-order cert fails
// with ErrBadNonce.
func (a *Authorizer) Verify(cert DelegateCert, method string, params []byte, now time.Time) (string, error) {
	if cert.Method != method || string(cert.Params) != string(params) {
		return "", ErrBadSignature
	}
	if len(cert.PublicKey) != ed25519.PublicKeySize {
		return "", ErrBadSignature
	}
	if cert.Expiry < now.Unix() {
		return "", ErrAuthExpired
	}
	digest := DelegateDigest(cert.Method, cert.Params, cert.Nonce, cert.Expiry)
	if !ed25519.Verify(cert.PublicKey, digest, cert.Signature) {
		return "", ErrBadSignature
	}
	trader := TraderID(cert.PublicKey)
	a.mu.Lock()
	defer a.mu.Unlock()
	if cert.Nonce != a.nonces[trader]+1 {
		return "", ErrBadNonce
	}
	a.nonces[trader] = cert.Nonce
	return trader, nil
}

// Nonces returns a copy of every signer's last accepted nonce.
func (a *Authorizer) Nonces() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]uint64, len(a.nonces))
	for trader, n := range a.nonces {
		out[trader] = n
	}
	return out
}

// Restore reinstates persisted nonces so a restart cannot reopen
// already-spent delegate certs. Startup only.
func (a *Authorizer) Restore(nonces map[string]uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for trader, n := range nonces {
		a.nonces[trader] = n
	}
}

// NonceOf returns the last accepted nonce for a trader.
func (a *Authorizer) NonceOf(trader string) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[trader]
}
