// Package swap implements the per-party state machines of the atomic
// swap protocol. Alice owns BCH and wants XMR; Bob owns XMR and wants
// BCH. Each trade is a cooperative task: it suspends at message
// receive, oracle call, journal append and timer boundaries, and every
// accepted transition is journaled before any action it implies.
package swap

import (
	"context"
	"errors"
	"time"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/config"
	"github.com/Cyrix126/bch-xmr-swap/internal/covenant"
	"github.com/Cyrix126/bch-xmr-swap/internal/crypto"
	"github.com/Cyrix126/bch-xmr-swap/internal/journal"
	"github.com/Cyrix126/bch-xmr-swap/internal/oracle"
	"github.com/Cyrix126/bch-xmr-swap/internal/wallet"
	"github.com/Cyrix126/bch-xmr-swap/internal/xmr"
	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// Protocol errors
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrNotCancellable    = errors.New("trade not cancellable in this state")
	ErrTradeTerminal     = errors.New("trade already terminal")
	ErrAmountMismatch    = errors.New("amounts do not match the agreed offer")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
)

// Role is which side of the swap this party plays.
type Role string

const (
	RoleAlice Role = "alice" // owns BCH, wants XMR, initiates
	RoleBob   Role = "bob"   // owns XMR, wants BCH, responds
)

// State is the trade's position in the protocol.
type State string

const (
	StateInit State = "init"

	// Alice
	StateKeysSent        State = "keys_sent"
	StateAwaitingBobKeys State = "awaiting_bob_keys"
	StateKeysVerified    State = "keys_verified"
	StateAwaitingBchFund State = "awaiting_bch_fund"
	StateAdaptorSent     State = "adaptor_sent"
	StateClaimSeen       State = "claim_seen"
	StateXmrSwept        State = "xmr_swept"
	StateRefundInitiated State = "refund_initiated"
	StateAliceRecovered  State = "alice_recovered"

	// Bob
	StateAwaitingAliceKeys   State = "awaiting_alice_keys"
	StateKeysReceived        State = "keys_received"
	StateAwaitingFund        State = "awaiting_fund"
	StateAdaptorReceived     State = "adaptor_received"
	StateClaimBroadcast      State = "claim_broadcast"
	StateBchSwept            State = "bch_swept"
	StateAwaitingSeizeWindow State = "awaiting_seize_window"
	StateSeizeBroadcast      State = "seize_broadcast"

	// Shared by both roles
	StateBchFunded State = "bch_funded"
	StateXmrLocked State = "xmr_locked"

	// Terminal
	StateSuccess       State = "success"
	StateRefundedAlice State = "refunded_alice"
	StateSeizedBob     State = "seized_bob"
	StateAborted       State = "aborted"
)

// Terminal reports whether the state ends the trade.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateRefundedAlice, StateSeizedBob, StateAborted:
		return true
	}
	return false
}

// Cancellable reports whether a user cancel is still allowed. After
// funds touch a chain the machine must run to a terminal state on its
// own.
func (s State) Cancellable() bool {
	switch s {
	case StateInit, StateKeysSent, StateAwaitingBobKeys,
		StateAwaitingAliceKeys, StateKeysReceived:
		return true
	}
	return false
}

// Committed reports whether value is at risk on chain: from here the
// timelock escape is the only exit.
func (s State) Committed() bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StateInit, StateKeysSent, StateAwaitingBobKeys, StateKeysVerified,
		StateAwaitingBchFund, StateAwaitingAliceKeys, StateKeysReceived, StateAwaitingFund:
		return false
	}
	return true
}

// PersistFunc journals an accepted transition. It must complete (and be
// durable) before the transition's side effects run.
type PersistFunc func(st State, ev journal.Evidence) error

// SendFunc hands an encoded envelope to the transport.
type SendFunc func(data []byte) error

// Env bundles the external capabilities a trade uses. Cross-trade it is
// read-only; each trade owns all of its mutable state.
type Env struct {
	Network chain.Network
	Cfg     *config.Config
	Wallet  *wallet.Wallet
	Bch     oracle.Bch
	Xmr     oracle.Xmr
	Sweeper *xmr.Sweeper
	Log     *logging.Logger
}

// KeyBundle is this party's secret material for one trade, drawn from
// the trade's deterministic RNG.
type KeyBundle struct {
	Spend *crypto.SpendScalar  // the linking secret
	View  *edwards25519.Scalar // view key half

	RefundKey *btcec.PrivateKey // refund-branch data signature key
	ClaimKey  *btcec.PrivateKey // claim/seize-branch data signature key

	RecvScript []byte // P2PKH payout script
	Proof      *crypto.DleqProof
}

// RemoteBundle is the counterparty's public material once received and
// verified.
type RemoteBundle struct {
	SpendSecp *crypto.SecpPoint
	SpendEd   []byte // 32-byte ed25519 point encoding
	View      []byte // 32-byte view half (shared per protocol)

	RefundPk   []byte
	ClaimPk    []byte
	RecvScript []byte
}

// Trade is the shared core of both role machines.
type Trade struct {
	ID   string
	Role Role

	BchAmount uint64 // satoshi
	XmrAmount uint64 // piconero
	Timelock1 uint32
	Timelock2 uint32

	State  State
	Paused bool // oracle outage overlay; cleared when health returns

	Keys   *KeyBundle
	Remote *RemoteBundle

	Contract *covenant.ContractPair
	Shared   *xmr.SharedAddress

	SwaplockTxID string
	XmrLockTxID  string
	ClaimTxID    string
	RefundTxID   string
	RecoverTxID  string
	SeizeTxID    string

	// FundingRaw is kept for idempotent resubmission after a reorg.
	FundingRaw []byte

	// HandshakeDeadline bounds the key exchange.
	HandshakeDeadline time.Time

	// recoveredSpend is the counterparty's spend half once a covenant
	// broadcast revealed it.
	recoveredSpend *crypto.SpendScalar
}

// scanCovenants inspects both covenant addresses for confirmed spends
// and classifies them. When several spends are visible (the refund hop
// plus its follow-on), the follow-on wins: claim, recover and seize
// carry the signatures the machines act on, the keyless refund hop
// does not. Funding transactions (outputs TO the covenants) classify
// as nothing and are skipped.
func scanCovenants(ctx context.Context, env *Env, t *Trade) (covenant.SpendType, []byte, error) {
	var foundType covenant.SpendType
	var foundSig []byte

	for _, addr := range []string{t.Contract.SwaplockAddress, t.Contract.RefundAddress} {
		txs, err := env.Bch.AddressHistory(ctx, addr, 1)
		if err != nil {
			return "", nil, err
		}
		for _, entry := range txs {
			tx, err := covenant.DeserializeTx(entry.Raw)
			if err != nil {
				continue
			}
			spend, sig, err := t.Contract.ClassifySpend(tx)
			if err != nil {
				continue
			}
			switch spend {
			case covenant.SpendClaim:
				t.ClaimTxID = entry.TxID
				return spend, sig, nil
			case covenant.SpendRecover:
				t.RecoverTxID = entry.TxID
				return spend, sig, nil
			case covenant.SpendSeize:
				t.SeizeTxID = entry.TxID
				return spend, sig, nil
			case covenant.SpendRefund:
				t.RefundTxID = entry.TxID
				foundType = spend
				foundSig = nil
			}
		}
	}
	return foundType, foundSig, nil
}

// spendScalarFromSecp converts a recovered secp scalar back into the
// canonical spend-scalar form. Fails if the value exceeds 2^251, which
// a scalar produced by an honest key bundle never does.
func spendScalarFromSecp(k *secp256k1.ModNScalar) (*crypto.SpendScalar, error) {
	be := crypto.SecpScalarBytes(k)
	return crypto.ParseSpendScalar(helpers.ReverseBytes(be))
}

// viewWalletName is the wallet-rpc filename of the trade's watch
// wallet.
func (t *Trade) viewWalletName() string {
	return t.ID + "_view"
}

// NewKeyBundle draws a full key bundle from a trade RNG.
func NewKeyBundle(rng *crypto.TradeRNG, recvScript []byte) (*KeyBundle, error) {
	spend, err := crypto.NewSpendScalar(rng)
	if err != nil {
		return nil, err
	}
	view, err := crypto.RandomEdScalar(rng)
	if err != nil {
		return nil, err
	}

	refundScalar, err := crypto.RandomSecpScalar(rng)
	if err != nil {
		return nil, err
	}
	claimScalar, err := crypto.RandomSecpScalar(rng)
	if err != nil {
		return nil, err
	}
	refundKey, _ := btcec.PrivKeyFromBytes(crypto.SecpScalarBytes(refundScalar))
	claimKey, _ := btcec.PrivKeyFromBytes(crypto.SecpScalarBytes(claimScalar))

	proof, err := crypto.DleqProve(spend, rng)
	if err != nil {
		return nil, err
	}

	return &KeyBundle{
		Spend:      spend,
		View:       view,
		RefundKey:  refundKey,
		ClaimKey:   claimKey,
		RecvScript: recvScript,
		Proof:      proof,
	}, nil
}

// claimDigest is the message the claim and seize data signatures cover:
// the double-SHA256 of Bob's receiving script (OP_CHECKDATASIG hashes
// the on-stack message once more).
func claimDigest(bobRecv []byte) [32]byte {
	return crypto.DigestForDataSig(bobRecv)
}

// refundDigest is the message the refund (recover) data signature
// covers: the double-SHA256 of Alice's receiving script.
func refundDigest(aliceRecv []byte) [32]byte {
	return crypto.DigestForDataSig(aliceRecv)
}
