package perps

import "encoding/binary"

// Delegated ("on behalf of") entry points. The caller must hold the
// relayer role; the cert authenticates the trader and the exact call
// being relayed, with a per-trader anti-replay nonce.

const (
	MethodOpenMarket = "perps.openMarket"
	MethodCancel     = "perps.cancel"
	MethodClose      = "perps.close"
)

// EncodeOpenParams is the canonical parameter encoding a delegate key
// signs for an on-behalf-of market open.
func EncodeOpenParams(p OpenParams, proof []byte) []byte {
	out := make([]byte, 0, 60+len(proof))
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], p.Asset)
	out = append(out, buf[:4]...)
	out = append(out, byte(p.Side))
	for _, v := range []int64{p.Lots, p.Leverage, p.StopLoss, p.TakeProfit} {
		binary.BigEndian.PutUint64(buf[:], uint64(v))
		out = append(out, buf[:]...)
	}
	return append(out, proof...)
}

// EncodeTradeRef is the canonical parameter encoding for delegated
// cancel and close calls.
func EncodeTradeRef(id uint64, proof []byte) []byte {
	out := make([]byte, 8, 8+len(proof))
	binary.BigEndian.PutUint64(out, id)
	return append(out, proof...)
}

// OpenMarketFor opens a market position on behalf of the trader
// authenticated by the cert.
func (e *Engine) OpenMarketFor(caller string, cert DelegateCert, p OpenParams, proof []byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Check(RoleRelayer, caller); err != nil {
		return 0, err
	}
	trader, err := e.auth.Verify(cert, MethodOpenMarket, EncodeOpenParams(p, proof), e.clock())
	if err != nil {
		return 0, err
	}
	return e.openMarketLocked(trader, p, proof)
}

// CancelFor cancels a pending order on behalf of the authenticated
// trader.
func (e *Engine) CancelFor(caller string, cert DelegateCert, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Check(RoleRelayer, caller); err != nil {
		return err
	}
	trader, err := e.auth.Verify(cert, MethodCancel, EncodeTradeRef(id, nil), e.clock())
	if err != nil {
		return err
	}
	return e.cancelLocked(trader, id)
}

// CloseFor market-closes an open position on behalf of the
// authenticated trader.
func (e *Engine) CloseFor(caller string, cert DelegateCert, id uint64, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.roles.Check(RoleRelayer, caller); err != nil {
		return err
	}
	trader, err := e.auth.Verify(cert, MethodClose, EncodeTradeRef(id, proof), e.clock())
	if err != nil {
		return err
	}
	return e.closeMarketLocked(trader, id, proof)
}

// DelegateNonce returns the last accepted delegate nonce for a trader.
func (e *Engine) DelegateNonce(trader string) uint64 {
	return e.auth.NonceOf(trader)
}

// DelegateNonces returns every trader's last accepted nonce, for
// persistence.
func (e *Engine) DelegateNonces() map[string]uint64 {
	return e.auth.Nonces()
}

// RestoreDelegateNonces reinstates persisted nonces. Startup only.
func (e *Engine) RestoreDelegateNonces(nonces map[string]uint64) {
	e.auth.Restore(nonces)
}
