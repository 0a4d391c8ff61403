package blockchain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Submitter broadcasts one state-changing contract call. Nonce assignment
// and serialization live in the Gateway, never here.
type Submitter interface {
	SendTransaction(ctx context.Context, nonce uint64, action string, payload map[string]any) (string, error)
}

// RPCSubmitter encodes the call as a marker transaction against the
// solvency contract and broadcasts it over JSON-RPC.
type RPCSubmitter struct {
	httpURL      string
	fromAddress  string
	contractAddr string
	gasLimit     uint64
	httpClient   *http.Client
}

func NewRPCSubmitter(httpURL, fromAddress, contractAddr string, gasLimit uint64) (*RPCSubmitter, error) {
	if strings.TrimSpace(httpURL) == "" {
		return nil, fmt.Errorf("missing CHAIN_HTTP_RPC")
	}
	if !addressPattern.MatchString(strings.TrimSpace(fromAddress)) {
		return nil, fmt.Errorf("invalid CHAIN_SIGNER_ADDRESS")
	}
	if !addressPattern.MatchString(strings.TrimSpace(contractAddr)) {
		return nil, fmt.Errorf("invalid SOLVENCY_CONTRACT")
	}
	if gasLimit == 0 {
		gasLimit = 300000
	}
	return &RPCSubmitter{
		httpURL:      strings.TrimSpace(httpURL),
		fromAddress:  strings.TrimSpace(fromAddress),
		contractAddr: strings.TrimSpace(contractAddr),
		gasLimit:     gasLimit,
		httpClient:   &http.Client{Timeout: 20 * time.Second},
	}, nil
}

func (s *RPCSubmitter) SendTransaction(ctx context.Context, nonce uint64, action string, payload map[string]any) (string, error) {
	dataBytes, _ := json.Marshal(map[string]any{
		"action":  action,
		"payload": payload,
	})
	txObj := map[string]string{
		"from":  s.fromAddress,
		"to":    s.contractAddr,
		"gas":   fmt.Sprintf("0x%x", s.gasLimit),
		"nonce": fmt.Sprintf("0x%x", nonce),
		"data":  "0x" + hex.EncodeToString(dataBytes),
		"value": "0x0",
	}

	var txHash string
	if err := s.rpc(ctx, "eth_sendTransaction", []any{txObj}, &txHash); err != nil {
		return "", err
	}
	if !strings.HasPrefix(txHash, "0x") {
		return "", fmt.Errorf("invalid tx hash response")
	}
	return strings.ToLower(txHash), nil
}

func (s *RPCSubmitter) rpc(ctx context.Context, method string, params []any, out any) error {
	reqBody, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.httpURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
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

// StubSubmitter fabricates transaction hashes for local development.
type StubSubmitter struct{}

func NewStubSubmitter() *StubSubmitter {
	return &StubSubmitter{}
}

func (s *StubSubmitter) SendTransaction(_ context.Context, nonce uint64, action string, _ map[string]any) (string, error) {
	if action == "" {
		return "", fmt.Errorf("missing action")
	}
	return fmt.Sprintf("0xstub%s%x%x", action, nonce, time.Now().UTC().UnixNano()), nil
}
