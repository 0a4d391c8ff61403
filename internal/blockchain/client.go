package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Address   string
	Topics    []string
}

type LogEntry struct {
	Address         string
	Topics          []string
	Data            string
	BlockNumber     uint64
	TransactionHash string
	LogIndex        uint64
	Removed         bool
}

// Receipt is the decoded transaction receipt. A nil receipt from the reader
// means the transaction is unknown or still pending.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	Logs        []LogEntry
}

type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	GetTransactionCount(ctx context.Context, address string) (uint64, error)
}

type JSONRPCClient struct {
	httpURL    string
	httpClient *http.Client
}

func NewJSONRPCClient(httpURL string) (*JSONRPCClient, error) {
	if strings.TrimSpace(httpURL) == "" {
		return nil, fmt.Errorf("missing CHAIN_HTTP_RPC")
	}
	return &JSONRPCClient{
		httpURL:    strings.TrimSpace(httpURL),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}, nil
}

func (c *JSONRPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var out string
	if err := c.rpc(ctx, "eth_blockNumber", []any{}, &out); err != nil {
		return 0, err
	}
	return parseHexUint64(out)
}

func (c *JSONRPCClient) GetTransactionCount(ctx context.Context, address string) (uint64, error) {
	var out string
	if err := c.rpc(ctx, "eth_getTransactionCount", []any{address, "pending"}, &out); err != nil {
		return 0, err
	}
	return parseHexUint64(out)
}

func (c *JSONRPCClient) GetLogs(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	reqFilter := map[string]any{
		"fromBlock": fmt.Sprintf("0x%x", filter.FromBlock),
		"toBlock":   fmt.Sprintf("0x%x", filter.ToBlock),
		"address":   filter.Address,
		"topics":    []any{filter.Topics},
	}
	var rawLogs []rawLog
	if err := c.rpc(ctx, "eth_getLogs", []any{reqFilter}, &rawLogs); err != nil {
		return nil, err
	}

	out := make([]LogEntry, 0, len(rawLogs))
	for _, item := range rawLogs {
		entry, err := item.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// GetTransactionReceipt returns nil (no error) while the transaction is
// unknown or pending.
func (c *JSONRPCClient) GetTransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	var raw *struct {
		TransactionHash string   `json:"transactionHash"`
		Status          string   `json:"status"`
		BlockNumber     string   `json:"blockNumber"`
		Logs            []rawLog `json:"logs"`
	}
	if err := c.rpc(ctx, "eth_getTransactionReceipt", []any{txHash}, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	blockNum, err := parseHexUint64(raw.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("invalid blockNumber in receipt: %w", err)
	}
	logs := make([]LogEntry, 0, len(raw.Logs))
	for _, item := range raw.Logs {
		entry, err := item.decode()
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return &Receipt{
		TxHash:      strings.ToLower(raw.TransactionHash),
		Success:     strings.EqualFold(raw.Status, "0x1"),
		BlockNumber: blockNum,
		Logs:        logs,
	}, nil
}

type rawLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

func (l rawLog) decode() (LogEntry, error) {
	blockNum, err := parseHexUint64(l.BlockNumber)
	if err != nil {
		return LogEntry{}, fmt.Errorf("invalid blockNumber in log: %w", err)
	}
	logIndex, err := parseHexUint64(l.LogIndex)
	if err != nil {
		return LogEntry{}, fmt.Errorf("invalid logIndex in log: %w", err)
	}
	return LogEntry{
		Address:         l.Address,
		Topics:          l.Topics,
		Data:            l.Data,
		BlockNumber:     blockNum,
		TransactionHash: l.TransactionHash,
		LogIndex:        logIndex,
		Removed:         l.Removed,
	}, nil
}

func (c *JSONRPCClient) rpc(ctx context.Context, method string, params []any, out any) error {
	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	if payload.Error != nil {
		return fmt.Errorf("rpc error %d: %s", payload.Error.Code, payload.Error.Message)
	}
	if len(payload.Result) == 0 {
		return fmt.Errorf("rpc empty result")
	}
	if err := json.Unmarshal(payload.Result, out); err != nil {
		return err
	}
	return nil
}

func parseHexUint64(v string) (uint64, error) {
	clean := strings.TrimSpace(strings.ToLower(v))
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	return strconv.ParseUint(clean, 16, 64)
}
