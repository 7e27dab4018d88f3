package oracle

import (
	"context"
	"encoding/hex"
	"sync"
)

// MockBch is an in-memory BCH oracle for tests. Heights advance
// manually; submitted transactions confirm as the height moves past
// their inclusion point.
type MockBch struct {
	mu sync.Mutex

	height int64
	// txid -> inclusion height (0 = mempool)
	included map[string]int64
	raw      map[string][]byte
	// address -> txids touching it
	addressTxs map[string][]string
	utxos      map[string][]UTXO

	down bool
}

// NewMockBch creates an empty mock chain.
func NewMockBch() *MockBch {
	return &MockBch{
		included:   make(map[string]int64),
		raw:        make(map[string][]byte),
		addressTxs: make(map[string][]string),
		utxos:      make(map[string][]UTXO),
	}
}

// SetDown toggles simulated outage.
func (m *MockBch) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Advance moves the tip forward by n blocks, confirming mempool txs at
// the first new block.
func (m *MockBch) Advance(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for txid, at := range m.included {
		if at == 0 {
			m.included[txid] = m.height + 1
		}
	}
	m.height += n
}

// Include records a transaction as touching an address. The tx starts
// in the mempool until the next Advance.
func (m *MockBch) Include(txid string, raw []byte, addresses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.included[txid] = 0
	m.raw[txid] = raw
	for _, addr := range addresses {
		m.addressTxs[addr] = append(m.addressTxs[addr], txid)
	}
}

// IndexAddress marks an already-submitted transaction as touching the
// given addresses, so AddressHistory surfaces it.
func (m *MockBch) IndexAddress(txid string, addresses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addresses {
		m.addressTxs[addr] = append(m.addressTxs[addr], txid)
	}
}

// Reorg drops a transaction back to the mempool, simulating its block
// being disconnected.
func (m *MockBch) Reorg(txid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.included[txid]; ok {
		m.included[txid] = 0
	}
}

// Forget erases a transaction entirely, simulating a reorg deep enough
// that the tx (and its conflicting inputs) vanished.
func (m *MockBch) Forget(txid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.included, txid)
}

// AddUTXO seeds an unspent output for an address.
func (m *MockBch) AddUTXO(address string, u UTXO) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.utxos[address] = append(m.utxos[address], u)
}

func (m *MockBch) Connect(ctx context.Context) error { return nil }
func (m *MockBch) Close() error                      { return nil }

func (m *MockBch) Submit(ctx context.Context, raw []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return "", ErrUnavailable
	}
	txid := hex.EncodeToString(reverse(doubleSHA(raw)))
	if _, known := m.included[txid]; !known {
		m.included[txid] = 0
		m.raw[txid] = raw
	}
	return txid, nil
}

func (m *MockBch) Confirmations(ctx context.Context, txid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, ErrUnavailable
	}
	at, ok := m.included[txid]
	if !ok {
		return 0, ErrTxNotFound
	}
	if at == 0 || at > m.height {
		return 0, nil
	}
	return m.height - at + 1, nil
}

func (m *MockBch) Height(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, ErrUnavailable
	}
	return m.height, nil
}

func (m *MockBch) AddressHistory(ctx context.Context, address string, minConf int64) ([]ConfirmedTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}

	var txs []ConfirmedTx
	for _, txid := range m.addressTxs[address] {
		at := m.included[txid]
		if at == 0 || at > m.height {
			continue
		}
		confs := m.height - at + 1
		if confs < minConf {
			continue
		}
		txs = append(txs, ConfirmedTx{TxID: txid, Raw: m.raw[txid], Confirmations: confs})
	}
	return txs, nil
}

func (m *MockBch) UTXOs(ctx context.Context, address string) ([]UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	return append([]UTXO(nil), m.utxos[address]...), nil
}

func (m *MockBch) Healthy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	return nil
}

var _ Bch = (*MockBch)(nil)

// MockXmr is an in-memory Monero oracle for tests.
type MockXmr struct {
	mu sync.Mutex

	height uint64
	// wallet filename -> balances
	unlocked map[string]uint64
	pending  map[string]uint64
	// address registered per wallet
	addresses map[string]string
	sweeps    []string

	down bool
}

// NewMockXmr creates an empty mock wallet/daemon pair.
func NewMockXmr() *MockXmr {
	return &MockXmr{
		unlocked:  make(map[string]uint64),
		pending:   make(map[string]uint64),
		addresses: make(map[string]string),
	}
}

// SetDown toggles simulated outage.
func (m *MockXmr) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Advance moves the daemon height.
func (m *MockXmr) Advance(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height += n
}

// Fund credits unlocked balance to every wallet watching the address.
func (m *MockXmr) Fund(address string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for filename, addr := range m.addresses {
		if addr == address {
			m.unlocked[filename] += amount
		}
	}
}

// Sweeps returns the destinations swept so far.
func (m *MockXmr) Sweeps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sweeps...)
}

func (m *MockXmr) Height(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, ErrUnavailable
	}
	return m.height, nil
}

func (m *MockXmr) CreateViewWallet(ctx context.Context, filename, address string, viewKey [32]byte, restoreHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	m.addresses[filename] = address
	return nil
}

func (m *MockXmr) CreateSpendWallet(ctx context.Context, filename, address string, viewKey, spendKey [32]byte, restoreHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	m.addresses[filename] = address
	// A spend wallet sees the same funds as its view counterpart.
	for other, addr := range m.addresses {
		if addr == address && m.unlocked[other] > 0 {
			m.unlocked[filename] = m.unlocked[other]
		}
	}
	return nil
}

func (m *MockXmr) Balance(ctx context.Context, filename string) (uint64, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, 0, ErrUnavailable
	}
	return m.unlocked[filename], m.pending[filename], nil
}

func (m *MockXmr) SweepAll(ctx context.Context, filename, dest string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, ErrUnavailable
	}
	addr := m.addresses[filename]
	for other, a := range m.addresses {
		if a == addr {
			m.unlocked[other] = 0
		}
	}
	m.sweeps = append(m.sweeps, dest)
	return []string{"mocksweep"}, nil
}

func (m *MockXmr) Transfer(ctx context.Context, filename, dest string, amount uint64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return "", ErrUnavailable
	}
	// Credit every wallet watching the destination address.
	for other, addr := range m.addresses {
		if addr == dest {
			m.unlocked[other] += amount
		}
	}
	return "mocklock", nil
}

func (m *MockXmr) Healthy(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return ErrUnavailable
	}
	return nil
}

var _ Xmr = (*MockXmr)(nil)

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
