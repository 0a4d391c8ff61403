package blockchain

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/openassets/solvency-backend/internal/apperr"
	"github.com/openassets/solvency-backend/internal/observability"
)

var (
	transferTopic = EventTopic("Transfer(address,address,uint256)")
	errNoReader   = errors.New("chain RPC not configured")
)

// Verifier confirms that a transaction contains an exact token transfer.
// Read-only; recording the verified transfer at most once is the caller's
// job.
type Verifier struct {
	reader  ChainReader
	metrics *observability.Metrics
}

func NewVerifier(reader ChainReader, metrics *observability.Metrics) *Verifier {
	return &Verifier{reader: reader, metrics: metrics}
}

func (v *Verifier) count(outcome string) {
	if v.metrics != nil {
		v.metrics.TransferChecks.WithLabelValues(outcome).Inc()
	}
}

// VerifyTransfer fetches the receipt for txHash and requires a Transfer log
// from tokenAddress with exactly the expected sender, recipient, and
// amount. No tolerance: a partial payment must not verify.
func (v *Verifier) VerifyTransfer(ctx context.Context, txHash, expectedSender, expectedRecipient string, expectedAmount *big.Int, tokenAddress string) error {
	if v.reader == nil {
		return apperr.ChainSubmission("no_chain_reader", errNoReader)
	}
	receipt, err := v.reader.GetTransactionReceipt(ctx, strings.TrimSpace(txHash))
	if err != nil {
		return apperr.ChainSubmission("receipt_fetch_failed", err)
	}
	if receipt == nil {
		v.count("not_found")
		return apperr.OnChainVerification("transfer_not_found", "Transaction %s not found or not yet confirmed", txHash)
	}
	if !receipt.Success {
		v.count("reverted")
		return apperr.OnChainVerification("transaction_reverted", "Transaction %s reverted on-chain", txHash)
	}

	var sawTransfer bool
	for _, log := range receipt.Logs {
		if !strings.EqualFold(log.Address, strings.TrimSpace(tokenAddress)) {
			continue
		}
		if len(log.Topics) < 3 || !strings.EqualFold(log.Topics[0], transferTopic) {
			continue
		}
		sawTransfer = true

		from := TopicToAddress(log.Topics[1])
		to := TopicToAddress(log.Topics[2])
		words := ABIWords(log.Data)
		if len(words) < 1 {
			continue
		}
		amount := WordToBig(words[0])

		if !strings.EqualFold(from, strings.TrimSpace(expectedSender)) {
			continue
		}
		if !strings.EqualFold(to, strings.TrimSpace(expectedRecipient)) {
			v.count("recipient_mismatch")
			return apperr.OnChainVerification("transfer_recipient_mismatch", "Transfer recipient mismatch. Expected: %s, Got: %s", expectedRecipient, to)
		}
		if amount.Cmp(expectedAmount) != 0 {
			v.count("amount_mismatch")
			return apperr.OnChainVerification("transfer_amount_mismatch", "Transfer amount mismatch. Expected: %s, Got: %s", expectedAmount.String(), amount.String())
		}
		v.count("verified")
		return nil
	}

	if sawTransfer {
		v.count("sender_mismatch")
		return apperr.OnChainVerification("transfer_sender_mismatch", "No transfer from %s found in transaction %s", expectedSender, txHash)
	}
	v.count("not_found")
	return apperr.OnChainVerification("transfer_not_found", "No %s transfer log found in transaction %s", tokenAddress, txHash)
}
