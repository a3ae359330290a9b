// Package api exposes the position engine and custody ledger over
// JSON-RPC 2.0.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/perps"
)

// EventSink receives trade lifecycle events. *nats.Conn satisfies it.
type EventSink interface {
	Publish(subject string, data []byte) error
}

// EventSubject is the broker subject trade events publish to.
const EventSubject = "perps.trades"

// Server handles JSON-RPC 2.0 requests against one engine and ledger.
type Server struct {
	engine  *perps.Engine
	ledger  *perps.Ledger
	logger  log.Logger
	metrics *metrics.Metrics // optional
	events  EventSink        // optional
}

// Config wires the server's collaborators. Metrics and Events may be
// nil.
type Config struct {
	Engine  *perps.Engine
	Ledger  *perps.Ledger
	Logger  log.Logger
	Metrics *metrics.Metrics
	Events  EventSink
}

// NewServer creates a JSON-RPC server.
func NewServer(cfg Config) *Server {
	return &Server{
		engine:  cfg.Engine,
		ledger:  cfg.Ledger,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		events:  cfg.Events,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "Parse error")
		return
	}

	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "Invalid Request")
		return
	}

	result, err := s.handleMethod(req.Method, req.Params)
	if err != nil {
		rpcErr, ok := err.(*RPCError)
		if !ok {
			rpcErr = &RPCError{Code: InternalError, Message: err.Error()}
		}
		s.sendError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}

	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Custody methods
	case "perps_deposit":
		return s.deposit(params)
	case "perps_withdraw":
		return s.withdraw(params)
	case "perps_getAccount":
		return s.getAccount(params)

	// Trade methods
	case "perps_openLimit":
		return s.openLimit(params)
	case "perps_openMarket":
		return s.openMarket(params)
	case "perps_cancel":
		return s.cancel(params)
	case "perps_execute":
		return s.execute(params)
	case "perps_close":
		return s.closeTrade(params)
	case "perps_triggerClose":
		return s.triggerClose(params)
	case "perps_setStops":
		return s.setStops(params)

	// Batch methods
	case "perps_execLimits":
		return s.execLimits(params)
	case "perps_closeBatch":
		return s.closeBatch(params)

	// Relayed methods
	case "perps_relayOpenMarket":
		return s.relayOpenMarket(params)
	case "perps_relayCancel":
		return s.relayCancel(params)
	case "perps_relayClose":
		return s.relayClose(params)

	// Pool methods
	case "perps_poolMint":
		return s.poolMint(params)
	case "perps_poolRedeem":
		return s.poolRedeem(params)
	case "perps_getPool":
		return s.getPool(params)
	case "perps_withdrawFees":
		return s.withdrawFees(params)

	// Info methods
	case "perps_getTrade":
		return s.getTrade(params)
	case "perps_listTrades":
		return s.listTrades(params)
	case "perps_getOpenLots":
		return s.getOpenLots(params)
	case "perps_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

// tradeView is the wire representation of a trade record.
type tradeView struct {
	ID               uint64 `json:"tradeId"`
	Owner            string `json:"owner"`
	Asset            uint32 `json:"asset"`
	Side             string `json:"side"`
	Lots             int64  `json:"lots"`
	Leverage         int64  `json:"leverage"`
	State            string `json:"state"`
	EntryPrice       int64  `json:"entryPrice"`
	TargetPrice      int64  `json:"targetPrice,omitempty"`
	StopLoss         int64  `json:"stopLoss,omitempty"`
	TakeProfit       int64  `json:"takeProfit,omitempty"`
	LiquidationPrice int64  `json:"liquidationPrice"`
	MarginReserved   int64  `json:"marginReserved"`
	CloseReason      string `json:"closeReason,omitempty"`
	RealizedPnL      int64  `json:"realizedPnl"`
	CreatedAt        int64  `json:"createdAt"`
	OpenedAt         int64  `json:"openedAt,omitempty"`
	ClosedAt         int64  `json:"closedAt,omitempty"`
}

func viewOf(t perps.Trade) tradeView {
	v := tradeView{
		ID:               t.ID,
		Owner:            t.Owner,
		Asset:            t.Asset,
		Side:             t.Side.String(),
		Lots:             t.Lots,
		Leverage:         t.Leverage,
		State:            t.State.String(),
		EntryPrice:       t.EntryPrice,
		TargetPrice:      t.TargetPrice,
		StopLoss:         t.StopLoss,
		TakeProfit:       t.TakeProfit,
		LiquidationPrice: t.LiquidationPrice,
		MarginReserved:   t.MarginReserved,
		RealizedPnL:      t.RealizedPnL,
		CreatedAt:        t.CreatedAt.Unix(),
	}
	if t.CloseReason != perps.CloseNone {
		v.CloseReason = t.CloseReason.String()
	}
	if !t.OpenedAt.IsZero() {
		v.OpenedAt = t.OpenedAt.Unix()
	}
	if !t.ClosedAt.IsZero() {
		v.ClosedAt = t.ClosedAt.Unix()
	}
	return v
}

func parseSide(s string) (perps.Side, error) {
	switch s {
	case "long":
		return perps.Long, nil
	case "short":
		return perps.Short, nil
	default:
		return 0, &RPCError{Code: InvalidParams, Message: "side must be long or short"}
	}
}

func parseReason(s string) (perps.CloseReason, error) {
	switch s {
	case "stop_loss":
		return perps.CloseStopLoss, nil
	case "take_profit":
		return perps.CloseTakeProfit, nil
	case "liquidation":
		return perps.CloseLiquidation, nil
	default:
		return perps.CloseNone, &RPCError{Code: InvalidParams, Message: "unknown close reason"}
	}
}

type openArgs struct {
	Trader      string `json:"trader"`
	Asset       uint32 `json:"asset"`
	Side        string `json:"side"`
	Lots        int64  `json:"lots"`
	Leverage    int64  `json:"leverage"`
	TargetPrice int64  `json:"targetPrice"`
	StopLoss    int64  `json:"stopLoss"`
	TakeProfit  int64  `json:"takeProfit"`
	Proof       []byte `json:"proof"`
}

func (a openArgs) toParams() (perps.OpenParams, error) {
	side, err := parseSide(a.Side)
	if err != nil {
		return perps.OpenParams{}, err
	}
	return perps.OpenParams{
		Asset:       a.Asset,
		Side:        side,
		Lots:        a.Lots,
		Leverage:    a.Leverage,
		TargetPrice: a.TargetPrice,
		StopLoss:    a.StopLoss,
		TakeProfit:  a.TakeProfit,
	}, nil
}

func (s *Server) deposit(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.Deposit(p.Account, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"account":   p.Account,
		"available": s.ledger.Available(p.Account),
	}, nil
}

func (s *Server) withdraw(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
		Amount  int64  `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.ledger.Withdraw(p.Account, p.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"account":   p.Account,
		"available": s.ledger.Available(p.Account),
	}, nil
}

func (s *Server) getAccount(params json.RawMessage) (interface{}, error) {
	var p struct {
		Account string `json:"account"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	a := s.ledger.AccountOf(p.Account)
	return map[string]interface{}{
		"account":   p.Account,
		"balance":   a.Balance,
		"locked":    a.Locked,
		"available": a.Available(),
	}, nil
}

func (s *Server) openLimit(params json.RawMessage) (interface{}, error) {
	var a openArgs
	if err := json.Unmarshal(params, &a); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	op, err := a.toParams()
	if err != nil {
		return nil, err
	}
	id, err := s.engine.OpenLimit(a.Trader, op)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OrdersPlaced.Inc()
	}
	s.publish("order_placed", id)
	return map[string]interface{}{"tradeId": id, "status": "accepted"}, nil
}

func (s *Server) openMarket(params json.RawMessage) (interface{}, error) {
	var a openArgs
	if err := json.Unmarshal(params, &a); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	op, err := a.toParams()
	if err != nil {
		return nil, err
	}
	id, err := s.engine.OpenMarket(a.Trader, op, a.Proof)
	if err != nil {
		return nil, err
	}
	s.recordOpen(a.Asset)
	s.publish("position_opened", id)
	return map[string]interface{}{"tradeId": id, "status": "open"}, nil
}

func (s *Server) cancel(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string `json:"caller"`
		TradeID uint64 `json:"tradeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.Cancel(p.Caller, p.TradeID); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OrdersCancelled.Inc()
	}
	s.publish("order_cancelled", p.TradeID)
	return map[string]interface{}{"tradeId": p.TradeID, "status": "cancelled"}, nil
}

func (s *Server) execute(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string `json:"caller"`
		TradeID uint64 `json:"tradeId"`
		Proof   []byte `json:"proof"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.Execute(p.Caller, p.TradeID, p.Proof); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OrdersExecuted.Inc()
	}
	if t, err := s.engine.Trade(p.TradeID); err == nil {
		s.recordExposure(t.Asset)
	}
	s.publish("order_executed", p.TradeID)
	return map[string]interface{}{"tradeId": p.TradeID, "status": "open"}, nil
}

func (s *Server) closeTrade(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string `json:"caller"`
		TradeID uint64 `json:"tradeId"`
		Proof   []byte `json:"proof"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.Close(p.Caller, p.TradeID, p.Proof); err != nil {
		return nil, err
	}
	s.recordClose(p.TradeID)
	s.publish("position_closed", p.TradeID)
	return s.tradeResult(p.TradeID)
}

func (s *Server) triggerClose(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string `json:"caller"`
		TradeID uint64 `json:"tradeId"`
		Reason  string `json:"reason"`
		Proof   []byte `json:"proof"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	reason, err := parseReason(p.Reason)
	if err != nil {
		return nil, err
	}
	if err := s.engine.TriggerClose(p.Caller, p.TradeID, reason, p.Proof); err != nil {
		return nil, err
	}
	s.recordClose(p.TradeID)
	s.publish("position_closed", p.TradeID)
	return s.tradeResult(p.TradeID)
}

func (s *Server) setStops(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller     string `json:"caller"`
		TradeID    uint64 `json:"tradeId"`
		StopLoss   int64  `json:"stopLoss"`
		TakeProfit int64  `json:"takeProfit"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	if err := s.engine.SetStops(p.Caller, p.TradeID, p.StopLoss, p.TakeProfit); err != nil {
		return nil, err
	}
	return s.tradeResult(p.TradeID)
}

type batchArgs struct {
	Caller   string   `json:"caller"`
	Asset    uint32   `json:"asset"`
	TradeIDs []uint64 `json:"tradeIds"`
	Proof    []byte   `json:"proof"`
}

func (s *Server) execLimits(params json.RawMessage) (interface{}, error) {
	var p batchArgs
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	executed, skipped, err := s.engine.ExecLimits(p.Caller, p.Asset, p.TradeIDs, p.Proof)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OrdersExecuted.Add(float64(executed))
		s.metrics.BatchItemsSkipped.Add(float64(skipped))
	}
	s.recordExposure(p.Asset)
	return map[string]interface{}{"executed": executed, "skipped": skipped}, nil
}

func (s *Server) closeBatch(params json.RawMessage) (interface{}, error) {
	var p batchArgs
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	closed, skipped, err := s.engine.CloseBatch(p.Caller, p.Asset, p.TradeIDs, p.Proof)
	// Items closed before a batch abort stay closed; report them either
	// way.
	if s.metrics != nil {
		s.metrics.PositionsClosed.WithLabelValues("batch").Add(float64(closed))
		s.metrics.BatchItemsSkipped.Add(float64(skipped))
	}
	s.recordExposure(p.Asset)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"closed": closed, "skipped": skipped}, nil
}

// certArgs is the wire form of a delegate authorization.
type certArgs struct {
	PublicKey []byte `json:"publicKey"`
	Nonce     uint64 `json:"nonce"`
	Expiry    int64  `json:"expiry"`
	Signature []byte `json:"signature"`
}

func (c certArgs) toCert(method string, encoded []byte) perps.DelegateCert {
	return perps.DelegateCert{
		PublicKey: c.PublicKey,
		Method:    method,
		Params:    encoded,
		Nonce:     c.Nonce,
		Expiry:    c.Expiry,
		Signature: c.Signature,
	}
}

func (s *Server) relayOpenMarket(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string   `json:"caller"`
		Cert   certArgs `json:"cert"`
		openArgs
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	op, err := p.toParams()
	if err != nil {
		return nil, err
	}
	cert := p.Cert.toCert(perps.MethodOpenMarket, perps.EncodeOpenParams(op, p.Proof))
	id, err := s.engine.OpenMarketFor(p.Caller, cert, op, p.Proof)
	if err != nil {
		return nil, err
	}
	s.recordOpen(p.Asset)
	s.publish("position_opened", id)
	return map[string]interface{}{"tradeId": id, "status": "open"}, nil
}

func (s *Server) relayCancel(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string   `json:"caller"`
		Cert    certArgs `json:"cert"`
		TradeID uint64   `json:"tradeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	cert := p.Cert.toCert(perps.MethodCancel, perps.EncodeTradeRef(p.TradeID, nil))
	if err := s.engine.CancelFor(p.Caller, cert, p.TradeID); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.OrdersCancelled.Inc()
	}
	s.publish("order_cancelled", p.TradeID)
	return map[string]interface{}{"tradeId": p.TradeID, "status": "cancelled"}, nil
}

func (s *Server) relayClose(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller  string   `json:"caller"`
		Cert    certArgs `json:"cert"`
		TradeID uint64   `json:"tradeId"`
		Proof   []byte   `json:"proof"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	cert := p.Cert.toCert(perps.MethodClose, perps.EncodeTradeRef(p.TradeID, p.Proof))
	if err := s.engine.CloseFor(p.Caller, cert, p.TradeID, p.Proof); err != nil {
		return nil, err
	}
	s.recordClose(p.TradeID)
	s.publish("position_closed", p.TradeID)
	return s.tradeResult(p.TradeID)
}

func (s *Server) poolMint(params json.RawMessage) (interface{}, error) {
	var p struct {
		Investor string `json:"investor"`
		Amount   int64  `json:"amount"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	minted, err := s.ledger.PoolMint(p.Investor, p.Amount)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"investor": p.Investor, "shares": minted}, nil
}

func (s *Server) poolRedeem(params json.RawMessage) (interface{}, error) {
	var p struct {
		Investor string `json:"investor"`
		Shares   int64  `json:"shares"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	out, err := s.ledger.PoolRedeem(p.Investor, p.Shares)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"investor": p.Investor, "amount": out}, nil
}

func (s *Server) getPool(params json.RawMessage) (interface{}, error) {
	pool := s.ledger.Pool()
	result := map[string]interface{}{
		"nav": pool.NAV(),
	}
	if lp, ok := pool.(*perps.LiquidityPool); ok {
		result["totalShares"] = lp.TotalShares()
		result["sharePrice"] = lp.SharePrice().String()
		result["ownerFees"] = lp.OwnerFees()
	}
	return result, nil
}

func (s *Server) withdrawFees(params json.RawMessage) (interface{}, error) {
	var p struct {
		Caller string `json:"caller"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	out, err := s.ledger.WithdrawOwnerFees(p.Caller)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"amount": out}, nil
}

func (s *Server) getTrade(params json.RawMessage) (interface{}, error) {
	var p struct {
		TradeID uint64 `json:"tradeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	return s.tradeResult(p.TradeID)
}

// listTrades returns the live trade ids for one asset, split by
// lifecycle stage. Keepers poll this to build batch calls.
func (s *Server) listTrades(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset uint32 `json:"asset"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	orders := []uint64{}
	open := []uint64{}
	for _, t := range s.engine.Trades() {
		if t.Asset != p.Asset {
			continue
		}
		switch t.State {
		case perps.StateOrder:
			orders = append(orders, t.ID)
		case perps.StateOpen:
			open = append(open, t.ID)
		}
	}
	return map[string]interface{}{"orders": orders, "open": open}, nil
}

func (s *Server) getOpenLots(params json.RawMessage) (interface{}, error) {
	var p struct {
		Asset uint32 `json:"asset"`
		Side  string `json:"side"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params"}
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"asset": p.Asset,
		"side":  p.Side,
		"lots":  s.engine.OpenLots(p.Asset, side),
	}, nil
}

func (s *Server) tradeResult(id uint64) (interface{}, error) {
	t, err := s.engine.Trade(id)
	if err != nil {
		return nil, err
	}
	return viewOf(t), nil
}

func (s *Server) recordOpen(asset uint32) {
	if s.metrics != nil {
		s.metrics.PositionsOpened.Inc()
	}
	s.recordExposure(asset)
}

func (s *Server) recordClose(id uint64) {
	t, err := s.engine.Trade(id)
	if err != nil {
		return
	}
	if s.metrics != nil {
		s.metrics.PositionsClosed.WithLabelValues(t.CloseReason.String()).Inc()
		pnl := t.RealizedPnL
		if pnl < 0 {
			pnl = -pnl
		}
		s.metrics.RealizedPnL.Add(float64(pnl))
	}
	s.recordExposure(t.Asset)
}

func (s *Server) recordExposure(asset uint32) {
	if s.metrics == nil {
		return
	}
	assetLabel := fmt.Sprintf("%d", asset)
	for _, side := range []perps.Side{perps.Long, perps.Short} {
		s.metrics.OpenExposure.WithLabelValues(assetLabel, side.String()).
			Set(float64(s.engine.OpenLots(asset, side)))
	}
}

type tradeEvent struct {
	Type      string `json:"type"`
	TradeID   uint64 `json:"tradeId"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) publish(kind string, id uint64) {
	if s.events == nil {
		return
	}
	blob, err := json.Marshal(tradeEvent{Type: kind, TradeID: id, Timestamp: time.Now().Unix()})
	if err != nil {
		return
	}
	if err := s.events.Publish(EventSubject, blob); err != nil {
		s.logger.Warn("event publish failed", "type", kind, "trade", id, "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, id interface{}, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
		ID: id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// StartServer serves JSON-RPC on the given port until the context is
// cancelled.
func StartServer(ctx context.Context, port int, server *Server, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	return httpServer.ListenAndServe()
}
