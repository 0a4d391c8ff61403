package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openassets/solvency-backend/internal/blockchain"
)

const ingestionCursorKey = "indexer.solvency_vault.last_block"

// EventKind is the closed set of on-chain events the mirror understands.
// Adding an event means adding a constant, a topic, and a processor case —
// all compile-checked, no string dispatch.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindCollateralLocked
	KindLoanBorrowed
	KindLoanRepaid
	KindCollateralWithdrawn
	KindPositionLiquidated
)

func (k EventKind) String() string {
	switch k {
	case KindCollateralLocked:
		return "CollateralLocked"
	case KindLoanBorrowed:
		return "LoanBorrowed"
	case KindLoanRepaid:
		return "LoanRepaid"
	case KindCollateralWithdrawn:
		return "CollateralWithdrawn"
	case KindPositionLiquidated:
		return "PositionLiquidated"
	default:
		return "Unknown"
	}
}

func KindFromName(name string) EventKind {
	switch strings.TrimSpace(name) {
	case "CollateralLocked":
		return KindCollateralLocked
	case "LoanBorrowed":
		return KindLoanBorrowed
	case "LoanRepaid":
		return KindLoanRepaid
	case "CollateralWithdrawn":
		return KindCollateralWithdrawn
	case "PositionLiquidated":
		return KindPositionLiquidated
	default:
		return KindUnknown
	}
}

var (
	topicCollateralLocked    = blockchain.EventTopic("CollateralLocked(uint256,address,bytes32,address,uint256)")
	topicLoanBorrowed        = blockchain.EventTopic("LoanBorrowed(uint256,uint256,uint256)")
	topicLoanRepaid          = blockchain.EventTopic("LoanRepaid(uint256,uint256,uint256)")
	topicCollateralWithdrawn = blockchain.EventTopic("CollateralWithdrawn(uint256,uint256,uint256)")
	topicPositionLiquidated  = blockchain.EventTopic("PositionLiquidated(uint256)")
)

type IngestedEvent struct {
	ContractAddr string
	Kind         EventKind
	PositionID   uint64
	TXHash       string
	BlockNumber  uint64
	LogIndex     uint64
	RawData      json.RawMessage
}

type IngestionRepository interface {
	GetIngestionCursor(ctx context.Context, key string) (uint64, bool, error)
	SetIngestionCursor(ctx context.Context, key string, blockNumber uint64) error
	// InsertChainEvent must be a no-op on duplicate (tx hash, log index).
	InsertChainEvent(ctx context.Context, ev IngestedEvent) error
}

type LogReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, filter blockchain.LogFilter) ([]blockchain.LogEntry, error)
}

// IngestionService tails confirmed vault logs into the durable event queue.
type IngestionService struct {
	repo          IngestionRepository
	rpc           LogReader
	contractAddr  string
	startBlock    uint64
	blockBatch    uint64
	confirmations uint64
}

func NewIngestionService(repo IngestionRepository, rpc LogReader, contractAddr string, startBlock, blockBatch, confirmations uint64) *IngestionService {
	if blockBatch == 0 {
		blockBatch = 500
	}
	return &IngestionService{
		repo:          repo,
		rpc:           rpc,
		contractAddr:  strings.TrimSpace(contractAddr),
		startBlock:    startBlock,
		blockBatch:    blockBatch,
		confirmations: confirmations,
	}
}

func (s *IngestionService) RunOnce(ctx context.Context) error {
	latest, err := s.rpc.BlockNumber(ctx)
	if err != nil {
		return err
	}
	if latest < s.confirmations {
		return nil
	}
	safeHead := latest - s.confirmations

	last, ok, err := s.repo.GetIngestionCursor(ctx, ingestionCursorKey)
	if err != nil {
		return err
	}
	var fromBlock uint64
	if ok {
		fromBlock = last + 1
	} else {
		fromBlock = s.startBlock
	}
	if fromBlock > safeHead {
		return nil
	}

	toBlock := min(safeHead, fromBlock+s.blockBatch-1)
	logs, err := s.rpc.GetLogs(ctx, blockchain.LogFilter{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Address:   s.contractAddr,
		Topics: []string{
			topicCollateralLocked,
			topicLoanBorrowed,
			topicLoanRepaid,
			topicCollateralWithdrawn,
			topicPositionLiquidated,
		},
	})
	if err != nil {
		return err
	}

	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, ok, err := DecodeLog(lg)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.repo.InsertChainEvent(ctx, ev); err != nil {
			return err
		}
	}

	return s.repo.SetIngestionCursor(ctx, ingestionCursorKey, toBlock)
}

// DecodeLog turns one vault log into an ingested event. Unknown topics are
// skipped, malformed known events error.
func DecodeLog(log blockchain.LogEntry) (IngestedEvent, bool, error) {
	if len(log.Topics) == 0 {
		return IngestedEvent{}, false, nil
	}

	var kind EventKind
	raw := map[string]any{}
	switch strings.ToLower(log.Topics[0]) {
	case strings.ToLower(topicCollateralLocked):
		if len(log.Topics) < 4 {
			return IngestedEvent{}, false, fmt.Errorf("CollateralLocked missing indexed topics")
		}
		words := blockchain.ABIWords(log.Data)
		if len(words) < 2 {
			return IngestedEvent{}, false, fmt.Errorf("CollateralLocked malformed data")
		}
		kind = KindCollateralLocked
		raw = map[string]any{
			"position_id": blockchain.WordToUint64(blockchain.NormalizeBytes32(log.Topics[1])),
			"owner":       blockchain.TopicToAddress(log.Topics[2]),
			"ref":         projectedRef(blockchain.NormalizeBytes32(log.Topics[3])),
			"token":       blockchain.TopicToAddress("0x" + words[0]),
			"amount":      blockchain.WordToBig(words[1]).String(),
		}

	case strings.ToLower(topicLoanBorrowed):
		kind = KindLoanBorrowed
		amount, total, err := twoAmountData(log, "LoanBorrowed")
		if err != nil {
			return IngestedEvent{}, false, err
		}
		raw = map[string]any{
			"position_id":     blockchain.WordToUint64(blockchain.NormalizeBytes32(log.Topics[1])),
			"amount":          amount,
			"total_principal": total,
		}

	case strings.ToLower(topicLoanRepaid):
		kind = KindLoanRepaid
		amount, total, err := twoAmountData(log, "LoanRepaid")
		if err != nil {
			return IngestedEvent{}, false, err
		}
		raw = map[string]any{
			"position_id":  blockchain.WordToUint64(blockchain.NormalizeBytes32(log.Topics[1])),
			"amount":       amount,
			"total_repaid": total,
		}

	case strings.ToLower(topicCollateralWithdrawn):
		kind = KindCollateralWithdrawn
		amount, remaining, err := twoAmountData(log, "CollateralWithdrawn")
		if err != nil {
			return IngestedEvent{}, false, err
		}
		raw = map[string]any{
			"position_id": blockchain.WordToUint64(blockchain.NormalizeBytes32(log.Topics[1])),
			"amount":      amount,
			"remaining":   remaining,
		}

	case strings.ToLower(topicPositionLiquidated):
		if len(log.Topics) < 2 {
			return IngestedEvent{}, false, fmt.Errorf("PositionLiquidated missing indexed topics")
		}
		kind = KindPositionLiquidated
		raw = map[string]any{
			"position_id": blockchain.WordToUint64(blockchain.NormalizeBytes32(log.Topics[1])),
		}

	default:
		return IngestedEvent{}, false, nil
	}

	positionID, _ := raw["position_id"].(uint64)
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return IngestedEvent{}, false, err
	}
	return IngestedEvent{
		ContractAddr: strings.ToLower(log.Address),
		Kind:         kind,
		PositionID:   positionID,
		TXHash:       strings.ToLower(log.TransactionHash),
		BlockNumber:  log.BlockNumber,
		LogIndex:     log.LogIndex,
		RawData:      rawJSON,
	}, true, nil
}

func twoAmountData(log blockchain.LogEntry, name string) (string, string, error) {
	if len(log.Topics) < 2 {
		return "", "", fmt.Errorf("%s missing indexed topics", name)
	}
	words := blockchain.ABIWords(log.Data)
	if len(words) < 2 {
		return "", "", fmt.Errorf("%s malformed data", name)
	}
	return blockchain.WordToBig(words[0]).String(), blockchain.WordToBig(words[1]).String(), nil
}

// projectedRef maps a bytes32 deposit ref back to the canonical UUID the
// mirror assigned at deposit time. The mapping is deterministic in both
// directions; a ref that never was a UUID keeps its hex form.
func projectedRef(bytes32Hex string) string {
	if out, ok := bytes32ToUUID(bytes32Hex); ok {
		return out
	}
	return bytes32Hex
}

func bytes32ToUUID(bytes32Hex string) (string, bool) {
	clean := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(bytes32Hex)), "0x")
	if len(clean) != 64 {
		return "", false
	}
	raw, err := hex.DecodeString(clean)
	if err != nil || len(raw) != 32 {
		return "", false
	}

	if allZero(raw[16:]) {
		id, err := uuid.FromBytes(raw[:16])
		if err == nil {
			return id.String(), true
		}
	}
	if allZero(raw[:16]) {
		id, err := uuid.FromBytes(raw[16:])
		if err == nil {
			return id.String(), true
		}
	}
	return "", false
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
