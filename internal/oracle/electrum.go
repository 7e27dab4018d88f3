package oracle

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
)

// ElectrumBch talks the Electrum Cash protocol over TCP (Fulcrum or an
// ElectrumX-compatible server). Requests are serialized over a single
// connection; the protocol is line-delimited JSON-RPC.
type ElectrumBch struct {
	server  string
	timeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	requestID atomic.Uint64
}

// NewElectrumBch creates a BCH oracle for a "host:port" server.
func NewElectrumBch(server string) *ElectrumBch {
	return &ElectrumBch{
		server:  server,
		timeout: 30 * time.Second,
	}
}

// Connect dials the server and performs the version handshake.
func (e *ElectrumBch) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected {
		return nil
	}

	dialer := &net.Dialer{Timeout: e.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", e.server)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	e.conn = conn
	e.reader = bufio.NewReader(conn)

	if _, err := e.callLocked("server.version", []interface{}{"bch-xmr-swap", "1.4"}); err != nil {
		conn.Close()
		e.conn = nil
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	e.connected = true
	return nil
}

// Close closes the connection.
func (e *ElectrumBch) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.connected = false
	return nil
}

// Submit broadcasts a raw transaction. A server rejection mentioning an
// already-known transaction is treated as success and the txid is
// re-derived from the raw bytes.
func (e *ElectrumBch) Submit(ctx context.Context, raw []byte) (string, error) {
	rawHex := hex.EncodeToString(raw)

	result, err := e.call("blockchain.transaction.broadcast", []interface{}{rawHex})
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "already") || strings.Contains(msg, "txn-mempool-conflict") {
			txid := helpers.ReverseBytes(doubleSHA(raw))
			return hex.EncodeToString(txid), nil
		}
		if strings.Contains(msg, "rejected") || strings.Contains(msg, "dust") || strings.Contains(msg, "min relay") {
			return "", fmt.Errorf("%w: %v", ErrTxRejected, err)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("%w: bad broadcast response", ErrUnavailable)
	}
	return txid, nil
}

// Confirmations returns the confirmation count of a transaction.
func (e *ElectrumBch) Confirmations(ctx context.Context, txid string) (int64, error) {
	result, err := e.call("blockchain.transaction.get", []interface{}{txid, true})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such") ||
			strings.Contains(strings.ToLower(err.Error()), "not found") {
			return 0, ErrTxNotFound
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var info struct {
		Confirmations int64 `json:"confirmations"`
	}
	if err := json.Unmarshal(result, &info); err != nil {
		return 0, fmt.Errorf("%w: bad transaction response", ErrUnavailable)
	}
	return info.Confirmations, nil
}

// Height returns the current tip height.
func (e *ElectrumBch) Height(ctx context.Context) (int64, error) {
	result, err := e.call("blockchain.headers.subscribe", []interface{}{})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var tip struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(result, &tip); err != nil {
		return 0, fmt.Errorf("%w: bad header response", ErrUnavailable)
	}
	return tip.Height, nil
}

// AddressHistory returns confirmed transactions touching the address
// with at least minConf confirmations, raw bytes included. Mempool
// entries are skipped; the state machine only acts on confirmed
// observations.
func (e *ElectrumBch) AddressHistory(ctx context.Context, address string, minConf int64) ([]ConfirmedTx, error) {
	result, err := e.call("blockchain.address.get_history", []interface{}{address})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var history []struct {
		TxHash string `json:"tx_hash"`
		Height int64  `json:"height"`
	}
	if err := json.Unmarshal(result, &history); err != nil {
		return nil, fmt.Errorf("%w: bad history response", ErrUnavailable)
	}

	var txs []ConfirmedTx
	for _, item := range history {
		if item.Height <= 0 {
			continue // mempool
		}

		txResult, err := e.call("blockchain.transaction.get", []interface{}{item.TxHash, true})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		var info struct {
			Confirmations int64  `json:"confirmations"`
			Hex           string `json:"hex"`
		}
		if err := json.Unmarshal(txResult, &info); err != nil {
			return nil, fmt.Errorf("%w: bad transaction response", ErrUnavailable)
		}
		if info.Confirmations < minConf {
			continue
		}

		raw, err := hex.DecodeString(info.Hex)
		if err != nil {
			return nil, fmt.Errorf("%w: bad transaction hex", ErrUnavailable)
		}

		txs = append(txs, ConfirmedTx{
			TxID:          item.TxHash,
			Raw:           raw,
			Confirmations: info.Confirmations,
		})
	}

	return txs, nil
}

// UTXOs lists unspent outputs of an address.
func (e *ElectrumBch) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	result, err := e.call("blockchain.address.listunspent", []interface{}{address})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var unspent []struct {
		TxHash string `json:"tx_hash"`
		TxPos  uint32 `json:"tx_pos"`
		Value  int64  `json:"value"`
		Height int64  `json:"height"`
	}
	if err := json.Unmarshal(result, &unspent); err != nil {
		return nil, fmt.Errorf("%w: bad listunspent response", ErrUnavailable)
	}

	utxos := make([]UTXO, len(unspent))
	for i, u := range unspent {
		utxos[i] = UTXO{
			TxID:   u.TxHash,
			Vout:   u.TxPos,
			Value:  u.Value,
			Height: u.Height,
		}
	}
	return utxos, nil
}

// Healthy pings the server.
func (e *ElectrumBch) Healthy(ctx context.Context) error {
	if _, err := e.call("server.ping", []interface{}{}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (e *ElectrumBch) call(method string, params []interface{}) (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return nil, ErrNotConnected
	}
	return e.callLocked(method, params)
}

func (e *ElectrumBch) callLocked(method string, params []interface{}) (json.RawMessage, error) {
	id := e.requestID.Add(1)

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	payload = append(payload, '\n')

	e.conn.SetDeadline(time.Now().Add(e.timeout))
	if _, err := e.conn.Write(payload); err != nil {
		e.connected = false
		return nil, err
	}

	// Responses arrive in order on a serialized connection; skip any
	// subscription notifications (they carry no id).
	for {
		line, err := e.reader.ReadBytes('\n')
		if err != nil {
			e.connected = false
			return nil, err
		}

		var response struct {
			ID     *uint64         `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(line, &response); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		if response.ID == nil || *response.ID != id {
			continue
		}
		if response.Error != nil {
			return nil, fmt.Errorf("electrum error %d: %s", response.Error.Code, response.Error.Message)
		}
		return response.Result, nil
	}
}

var _ Bch = (*ElectrumBch)(nil)

func doubleSHA(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
