package blockchain

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/openassets/solvency-backend/internal/config"
	"github.com/openassets/solvency-backend/internal/observability"
)

// NewGatewayFromConfig builds the gateway in stub or real mode. Stub mode
// fabricates hashes and skips confirmation; real mode broadcasts over
// JSON-RPC and polls receipts.
func NewGatewayFromConfig(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) (*Gateway, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.ChainWriterMode))
	if mode == "" || mode == "stub" {
		return NewGateway(NewStubSubmitter(), nil, cfg.SignerAddress, 0, cfg.ChainConfirmPoll, logger, metrics), nil
	}
	if mode != "real" {
		return nil, fmt.Errorf("invalid CHAIN_WRITER_MODE: %s", cfg.ChainWriterMode)
	}

	submitter, err := NewRPCSubmitter(cfg.ChainHTTPRPC, cfg.SignerAddress, cfg.SolvencyContract, cfg.ChainTxGasLimit)
	if err != nil {
		return nil, err
	}
	reader, err := NewJSONRPCClient(cfg.ChainHTTPRPC)
	if err != nil {
		return nil, err
	}
	return NewGateway(submitter, reader, cfg.SignerAddress, cfg.ChainConfirmTimeout, cfg.ChainConfirmPoll, logger, metrics), nil
}
