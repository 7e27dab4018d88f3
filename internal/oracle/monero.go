package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MoneroRPC implements the Xmr oracle against monerod (chain height)
// and monero-wallet-rpc (wallet operations). Both speak JSON-RPC 2.0
// over HTTP at the /json_rpc endpoint.
type MoneroRPC struct {
	daemonURL string
	walletURL string

	httpClient *http.Client
	requestID  atomic.Uint64

	// The wallet RPC holds one wallet open at a time; serialize all
	// wallet operations and track which file is open.
	walletMu   sync.Mutex
	openWallet string
}

// NewMoneroRPC creates a Monero oracle from the two RPC endpoints.
func NewMoneroRPC(daemonURL, walletURL string) *MoneroRPC {
	return &MoneroRPC{
		daemonURL: daemonURL,
		walletURL: walletURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Height returns the daemon's block count.
func (m *MoneroRPC) Height(ctx context.Context) (uint64, error) {
	result, err := m.call(ctx, m.daemonURL, "get_block_count", nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var count struct {
		Count uint64 `json:"count"`
	}
	if err := json.Unmarshal(result, &count); err != nil {
		return 0, fmt.Errorf("%w: bad block count response", ErrUnavailable)
	}
	return count.Count, nil
}

// CreateViewWallet creates a watch-only wallet for the shared address.
// Recreating an existing wallet file is not an error; the existing file
// is reopened instead.
func (m *MoneroRPC) CreateViewWallet(ctx context.Context, filename, address string, viewKey [32]byte, restoreHeight uint64) error {
	m.walletMu.Lock()
	defer m.walletMu.Unlock()

	params := map[string]interface{}{
		"filename":          filename,
		"address":           address,
		"viewkey":           hex.EncodeToString(viewKey[:]),
		"password":          "",
		"restore_height":    restoreHeight,
		"autosave_current":  true,
	}

	if _, err := m.call(ctx, m.walletURL, "generate_from_keys", params); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return m.openLocked(ctx, filename)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.openWallet = filename
	return nil
}

// CreateSpendWallet recreates the wallet with the full spend key.
func (m *MoneroRPC) CreateSpendWallet(ctx context.Context, filename, address string, viewKey, spendKey [32]byte, restoreHeight uint64) error {
	m.walletMu.Lock()
	defer m.walletMu.Unlock()

	params := map[string]interface{}{
		"filename":          filename,
		"address":           address,
		"viewkey":           hex.EncodeToString(viewKey[:]),
		"spendkey":          hex.EncodeToString(spendKey[:]),
		"password":          "",
		"restore_height":    restoreHeight,
		"autosave_current":  true,
	}

	if _, err := m.call(ctx, m.walletURL, "generate_from_keys", params); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return m.openLocked(ctx, filename)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.openWallet = filename
	return nil
}

// Balance returns the unlocked and pending balances of a wallet file.
func (m *MoneroRPC) Balance(ctx context.Context, filename string) (uint64, uint64, error) {
	m.walletMu.Lock()
	defer m.walletMu.Unlock()

	if err := m.openLocked(ctx, filename); err != nil {
		return 0, 0, err
	}

	result, err := m.call(ctx, m.walletURL, "get_balance", map[string]interface{}{
		"account_index": 0,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var balance struct {
		Balance         uint64 `json:"balance"`
		UnlockedBalance uint64 `json:"unlocked_balance"`
	}
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, 0, fmt.Errorf("%w: bad balance response", ErrUnavailable)
	}

	pending := balance.Balance - balance.UnlockedBalance
	return balance.UnlockedBalance, pending, nil
}

// SweepAll drains a wallet to dest.
func (m *MoneroRPC) SweepAll(ctx context.Context, filename, dest string) ([]string, error) {
	m.walletMu.Lock()
	defer m.walletMu.Unlock()

	if err := m.openLocked(ctx, filename); err != nil {
		return nil, err
	}

	result, err := m.call(ctx, m.walletURL, "sweep_all", map[string]interface{}{
		"address":       dest,
		"account_index": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var sweep struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	if err := json.Unmarshal(result, &sweep); err != nil {
		return nil, fmt.Errorf("%w: bad sweep response", ErrUnavailable)
	}
	return sweep.TxHashList, nil
}

// Transfer sends amount piconero from a wallet file to dest.
func (m *MoneroRPC) Transfer(ctx context.Context, filename, dest string, amount uint64) (string, error) {
	m.walletMu.Lock()
	defer m.walletMu.Unlock()

	if err := m.openLocked(ctx, filename); err != nil {
		return "", err
	}

	result, err := m.call(ctx, m.walletURL, "transfer", map[string]interface{}{
		"destinations": []map[string]interface{}{
			{"address": dest, "amount": amount},
		},
		"account_index": 0,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var transfer struct {
		TxHash string `json:"tx_hash"`
	}
	if err := json.Unmarshal(result, &transfer); err != nil {
		return "", fmt.Errorf("%w: bad transfer response", ErrUnavailable)
	}
	return transfer.TxHash, nil
}

// Healthy probes both endpoints.
func (m *MoneroRPC) Healthy(ctx context.Context) error {
	if _, err := m.call(ctx, m.daemonURL, "get_block_count", nil); err != nil {
		return fmt.Errorf("%w: daemon: %v", ErrUnavailable, err)
	}
	if _, err := m.call(ctx, m.walletURL, "get_version", nil); err != nil {
		return fmt.Errorf("%w: wallet: %v", ErrUnavailable, err)
	}
	return nil
}

// openLocked opens a wallet file if it is not already the open one.
// Callers hold walletMu.
func (m *MoneroRPC) openLocked(ctx context.Context, filename string) error {
	if m.openWallet == filename {
		return nil
	}
	_, err := m.call(ctx, m.walletURL, "open_wallet", map[string]interface{}{
		"filename": filename,
		"password": "",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	m.openWallet = filename
	return nil
}

func (m *MoneroRPC) call(ctx context.Context, url, method string, params interface{}) (json.RawMessage, error) {
	id := m.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		request["params"] = params
	}

	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimSuffix(url, "/") + "/json_rpc"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", response.Error.Code, response.Error.Message)
	}

	return response.Result, nil
}

var _ Xmr = (*MoneroRPC)(nil)
