package blockchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/openassets/solvency-backend/internal/apperr"
	"github.com/openassets/solvency-backend/internal/observability"
)

const (
	actionDeposit   = "lock_collateral"
	actionBorrow    = "borrow"
	actionRepay     = "repay"
	actionWithdraw  = "withdraw"
	actionLiquidate = "liquidate"

	sendMaxAttempts = 3
)

// Gateway owns the shared signing identity. A single actor goroutine
// assigns nonces and broadcasts in FIFO order; no call site ever reads the
// nonce independently. Confirmation waits happen on the caller's goroutine
// so the actor stays free for the next submission.
type Gateway struct {
	submitter Submitter
	reader    ChainReader
	signer    string

	confirmTimeout time.Duration
	confirmPoll    time.Duration

	requests chan *submitRequest
	logger   *slog.Logger
	metrics  *observability.Metrics

	nonce     uint64
	nonceInit bool
}

type submitRequest struct {
	ctx     context.Context
	action  string
	payload map[string]any
	reply   chan submitResult
}

type submitResult struct {
	txHash string
	err    error
}

// NewGateway wires a gateway. reader may be nil (stub mode): nonces start
// at zero and confirmation waits are skipped.
func NewGateway(submitter Submitter, reader ChainReader, signer string, confirmTimeout, confirmPoll time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Gateway {
	if confirmPoll <= 0 {
		confirmPoll = 3 * time.Second
	}
	return &Gateway{
		submitter:      submitter,
		reader:         reader,
		signer:         signer,
		confirmTimeout: confirmTimeout,
		confirmPoll:    confirmPoll,
		requests:       make(chan *submitRequest),
		logger:         logger,
		metrics:        metrics,
	}
}

// Run is the actor loop. Exactly one Run per signing identity.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-g.requests:
			req.reply <- g.process(req)
		}
	}
}

func (g *Gateway) Deposit(ctx context.Context, ref, token string, amount *big.Int) (string, error) {
	return g.submit(ctx, actionDeposit, map[string]any{
		"ref":    ref,
		"token":  token,
		"amount": amount.String(),
	})
}

func (g *Gateway) Borrow(ctx context.Context, positionID uint64, amount *big.Int) (string, error) {
	return g.submit(ctx, actionBorrow, map[string]any{
		"position_id": positionID,
		"amount":      amount.String(),
	})
}

func (g *Gateway) Repay(ctx context.Context, positionID uint64, amount *big.Int) (string, error) {
	return g.submit(ctx, actionRepay, map[string]any{
		"position_id": positionID,
		"amount":      amount.String(),
	})
}

func (g *Gateway) Withdraw(ctx context.Context, positionID uint64, amount *big.Int) (string, error) {
	return g.submit(ctx, actionWithdraw, map[string]any{
		"position_id": positionID,
		"amount":      amount.String(),
	})
}

func (g *Gateway) Liquidate(ctx context.Context, positionID uint64) (string, error) {
	return g.submit(ctx, actionLiquidate, map[string]any{
		"position_id": positionID,
	})
}

func (g *Gateway) submit(ctx context.Context, action string, payload map[string]any) (string, error) {
	req := &submitRequest{
		ctx:     ctx,
		action:  action,
		payload: payload,
		reply:   make(chan submitResult, 1),
	}

	// Cancellation before broadcast drops the request; once the actor has
	// broadcast, the effect is in flight and the reply is always read.
	select {
	case g.requests <- req:
	case <-ctx.Done():
		return "", apperr.ChainSubmission("submission_cancelled", ctx.Err())
	}
	res := <-req.reply
	if res.err != nil {
		g.count(action, "send_failed")
		return "", res.err
	}

	if g.reader != nil && g.confirmTimeout > 0 {
		if err := g.waitConfirmed(ctx, res.txHash); err != nil {
			g.count(action, "unconfirmed")
			return "", err
		}
	}
	g.count(action, "confirmed")
	return res.txHash, nil
}

// process runs on the actor goroutine; it is the only code that touches the
// nonce.
func (g *Gateway) process(req *submitRequest) submitResult {
	if err := req.ctx.Err(); err != nil {
		return submitResult{err: apperr.ChainSubmission("submission_cancelled", err)}
	}

	if !g.nonceInit {
		if err := g.refreshNonce(req.ctx); err != nil {
			return submitResult{err: apperr.ChainSubmission("nonce_fetch_failed", err)}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= sendMaxAttempts; attempt++ {
		txHash, err := g.submitter.SendTransaction(req.ctx, g.nonce, req.action, req.payload)
		if err == nil {
			g.nonce++
			return submitResult{txHash: txHash}
		}
		lastErr = err
		g.logger.Warn("chain send failed", "action", req.action, "attempt", attempt, "err", err)
		if refreshErr := g.refreshNonce(req.ctx); refreshErr != nil {
			lastErr = refreshErr
			break
		}
	}
	return submitResult{err: apperr.ChainSubmission("send_failed", lastErr)}
}

func (g *Gateway) refreshNonce(ctx context.Context) error {
	if g.reader == nil {
		g.nonceInit = true
		return nil
	}
	nonce, err := g.reader.GetTransactionCount(ctx, g.signer)
	if err != nil {
		return err
	}
	g.nonce = nonce
	g.nonceInit = true
	return nil
}

// waitConfirmed polls for the receipt until the bounded timeout. A timeout
// surfaces as a retryable submission error rather than hanging.
func (g *Gateway) waitConfirmed(ctx context.Context, txHash string) error {
	deadline := time.NewTimer(g.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.confirmPoll)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			return apperr.ChainSubmission("confirmation_timeout", fmt.Errorf("transaction %s unconfirmed after %s", txHash, g.confirmTimeout))
		case <-ctx.Done():
			return apperr.ChainSubmission("confirmation_timeout", ctx.Err())
		case <-ticker.C:
			receipt, err := g.reader.GetTransactionReceipt(ctx, txHash)
			if err != nil {
				g.logger.Warn("receipt poll failed", "tx", txHash, "err", err)
				continue
			}
			if receipt == nil {
				continue
			}
			if !receipt.Success {
				return apperr.ChainSubmission("transaction_reverted", fmt.Errorf("transaction %s reverted", txHash))
			}
			return nil
		}
	}
}

func (g *Gateway) count(action, outcome string) {
	if g.metrics != nil {
		g.metrics.ChainSubmissions.WithLabelValues(action, outcome).Inc()
	}
}
