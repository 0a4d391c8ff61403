package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/openassets/solvency-backend/internal/blockchain"
)

const vaultAddr = "0x00000000000000000000000000000000000f00d5"

func uintTopic(n uint64) string {
	return fmt.Sprintf("0x%064x", n)
}

func amountWord(n *big.Int) string {
	return fmt.Sprintf("%064x", n)
}

func TestDecodeLogCollateralLocked(t *testing.T) {
	owner := "0x0000000000000000000000000000000000001111"
	token := "0x0000000000000000000000000000000000002222"
	refUUID := "00112233-4455-6677-8899-aabbccddeeff"
	refTopic := "0x" + strings.ReplaceAll(refUUID, "-", "") + strings.Repeat("0", 32)

	log := blockchain.LogEntry{
		Address: vaultAddr,
		Topics: []string{
			topicCollateralLocked,
			uintTopic(42),
			blockchain.NormalizeBytes32(owner),
			refTopic,
		},
		Data:            "0x" + amountWord(new(big.Int).SetBytes(mustHex(token))) + amountWord(big.NewInt(5000)),
		BlockNumber:     77,
		TransactionHash: "0xABCD",
		LogIndex:        3,
	}

	ev, ok, err := DecodeLog(log)
	if err != nil || !ok {
		t.Fatalf("DecodeLog: ok=%v err=%v", ok, err)
	}
	if ev.Kind != KindCollateralLocked || ev.PositionID != 42 {
		t.Fatalf("decoded %+v", ev)
	}
	if ev.TXHash != "0xabcd" || ev.BlockNumber != 77 || ev.LogIndex != 3 {
		t.Fatalf("event ref not carried: %+v", ev)
	}

	var payload struct {
		Owner  string `json:"owner"`
		Ref    string `json:"ref"`
		Token  string `json:"token"`
		Amount string `json:"amount"`
	}
	if err := json.Unmarshal(ev.RawData, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Owner != owner || payload.Token != token {
		t.Fatalf("owner/token = %s %s", payload.Owner, payload.Token)
	}
	if payload.Ref != refUUID {
		t.Fatalf("ref = %s, want the original uuid %s", payload.Ref, refUUID)
	}
	if payload.Amount != "5000" {
		t.Fatalf("amount = %s", payload.Amount)
	}
}

func mustHex(addr string) []byte {
	n, ok := new(big.Int).SetString(strings.TrimPrefix(addr, "0x"), 16)
	if !ok {
		panic("bad hex in test")
	}
	return n.Bytes()
}

func TestDecodeLogLoanRepaid(t *testing.T) {
	log := blockchain.LogEntry{
		Address:         vaultAddr,
		Topics:          []string{topicLoanRepaid, uintTopic(7)},
		Data:            "0x" + amountWord(big.NewInt(515)) + amountWord(big.NewInt(1030)),
		TransactionHash: "0xfeed",
	}

	ev, ok, err := DecodeLog(log)
	if err != nil || !ok {
		t.Fatalf("DecodeLog: ok=%v err=%v", ok, err)
	}
	if ev.Kind != KindLoanRepaid || ev.PositionID != 7 {
		t.Fatalf("decoded %+v", ev)
	}
	var payload struct {
		Amount      string `json:"amount"`
		TotalRepaid string `json:"total_repaid"`
	}
	if err := json.Unmarshal(ev.RawData, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Amount != "515" || payload.TotalRepaid != "1030" {
		t.Fatalf("amounts = %s/%s", payload.Amount, payload.TotalRepaid)
	}
}

func TestDecodeLogSkipsUnknownTopic(t *testing.T) {
	log := blockchain.LogEntry{
		Address: vaultAddr,
		Topics:  []string{blockchain.EventTopic("Approval(address,address,uint256)")},
	}
	_, ok, err := DecodeLog(log)
	if err != nil {
		t.Fatalf("unknown topics must not error: %v", err)
	}
	if ok {
		t.Fatalf("unknown topic must be skipped")
	}
}

func TestDecodeLogRejectsMalformedKnownEvent(t *testing.T) {
	log := blockchain.LogEntry{
		Address: vaultAddr,
		Topics:  []string{topicLoanBorrowed, uintTopic(7)},
		Data:    "0x" + amountWord(big.NewInt(1)), // one word, needs two
	}
	if _, _, err := DecodeLog(log); err == nil {
		t.Fatalf("malformed known event must error")
	}
}

type fakeIngestionRepo struct {
	cursor    uint64
	hasCursor bool
	events    []IngestedEvent
}

func (r *fakeIngestionRepo) GetIngestionCursor(_ context.Context, _ string) (uint64, bool, error) {
	return r.cursor, r.hasCursor, nil
}

func (r *fakeIngestionRepo) SetIngestionCursor(_ context.Context, _ string, blockNumber uint64) error {
	r.cursor = blockNumber
	r.hasCursor = true
	return nil
}

func (r *fakeIngestionRepo) InsertChainEvent(_ context.Context, ev IngestedEvent) error {
	r.events = append(r.events, ev)
	return nil
}

type fakeLogReader struct {
	head    uint64
	logs    []blockchain.LogEntry
	filters []blockchain.LogFilter
}

func (r *fakeLogReader) BlockNumber(_ context.Context) (uint64, error) {
	return r.head, nil
}

func (r *fakeLogReader) GetLogs(_ context.Context, filter blockchain.LogFilter) ([]blockchain.LogEntry, error) {
	r.filters = append(r.filters, filter)
	return r.logs, nil
}

func TestIngestionRunOnceAdvancesCursor(t *testing.T) {
	repaid := blockchain.LogEntry{
		Address:         vaultAddr,
		Topics:          []string{topicLoanRepaid, uintTopic(7)},
		Data:            "0x" + amountWord(big.NewInt(1)) + amountWord(big.NewInt(1)),
		BlockNumber:     50,
		TransactionHash: "0xaa",
	}
	reorged := repaid
	reorged.Removed = true
	reorged.TransactionHash = "0xbb"

	repo := &fakeIngestionRepo{}
	rpc := &fakeLogReader{head: 100, logs: []blockchain.LogEntry{repaid, reorged}}
	svc := NewIngestionService(repo, rpc, vaultAddr, 1, 500, 10)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(repo.events) != 1 || repo.events[0].TXHash != "0xaa" {
		t.Fatalf("removed logs must be skipped, got %+v", repo.events)
	}
	if repo.cursor != 90 {
		t.Fatalf("cursor = %d, want safe head 90", repo.cursor)
	}
	if rpc.filters[0].FromBlock != 1 || rpc.filters[0].ToBlock != 90 {
		t.Fatalf("filter range = %d..%d", rpc.filters[0].FromBlock, rpc.filters[0].ToBlock)
	}

	// Caught up: the next pass does not re-scan.
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if len(rpc.filters) != 1 {
		t.Fatalf("caught-up indexer must not query logs again")
	}
}

func TestIngestionRespectsBlockBatch(t *testing.T) {
	repo := &fakeIngestionRepo{cursor: 100, hasCursor: true}
	rpc := &fakeLogReader{head: 2000}
	svc := NewIngestionService(repo, rpc, vaultAddr, 1, 250, 10)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rpc.filters[0].FromBlock != 101 || rpc.filters[0].ToBlock != 350 {
		t.Fatalf("filter range = %d..%d, want 101..350", rpc.filters[0].FromBlock, rpc.filters[0].ToBlock)
	}
}

func TestIngestionWaitsForConfirmations(t *testing.T) {
	repo := &fakeIngestionRepo{}
	rpc := &fakeLogReader{head: 5}
	svc := NewIngestionService(repo, rpc, vaultAddr, 1, 500, 10)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(rpc.filters) != 0 || repo.hasCursor {
		t.Fatalf("indexer must idle below the confirmation depth")
	}
}
