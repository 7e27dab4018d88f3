package swap

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Cyrix126/bch-xmr-swap/internal/crypto"
	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
)

// Snapshot is the derived on-disk view of a trade, written after every
// accepted transition. It exists for inspection and for restart: local
// keys are re-derived from the wallet seed, so only the counterparty
// material, the pre-signatures and the chain references live here. The
// journal stays authoritative - a snapshot whose state disagrees with
// the replayed journal makes the restore fail, and the trade is not
// resumed.
type Snapshot struct {
	TradeID string `json:"trade_id"`
	Role    string `json:"role"`
	State   string `json:"state"`

	BchAmount uint64 `json:"bch_amount"`
	XmrAmount uint64 `json:"xmr_amount"`
	Timelock1 uint32 `json:"timelock_1"`
	Timelock2 uint32 `json:"timelock_2"`

	// Counterparty bundle, hex.
	RemoteSpendSecp  string `json:"remote_spend_secp,omitempty"`
	RemoteSpendEd    string `json:"remote_spend_ed,omitempty"`
	RemoteView       string `json:"remote_view,omitempty"`
	RemoteRefundPk   string `json:"remote_refund_pk,omitempty"`
	RemoteClaimPk    string `json:"remote_claim_pk,omitempty"`
	RemoteRecvScript string `json:"remote_recv_script,omitempty"`

	// Pre-signatures, hex.
	ClaimPresig  string `json:"claim_presig,omitempty"`
	RefundPresig string `json:"refund_presig,omitempty"`
	SeizePresig  string `json:"seize_presig,omitempty"`

	// Chain references.
	SwaplockTxID  string `json:"swaplock_txid,omitempty"`
	XmrLockTxID   string `json:"xmr_lock_txid,omitempty"`
	ClaimTxID     string `json:"claim_txid,omitempty"`
	RefundTxID    string `json:"refund_txid,omitempty"`
	RecoverTxID   string `json:"recover_txid,omitempty"`
	SeizeTxID     string `json:"seize_txid,omitempty"`
	FundingRaw    string `json:"funding_raw,omitempty"`
	RestoreHeight uint64 `json:"restore_height,omitempty"`

	// Role-specific settings.
	XmrDest         string `json:"xmr_dest,omitempty"`
	SpendWalletName string `json:"spend_wallet_name,omitempty"`
	WantBch         uint64 `json:"want_bch,omitempty"`
	WantXmr         uint64 `json:"want_xmr,omitempty"`

	HandshakeDeadline int64 `json:"handshake_deadline,omitempty"`
}

func snapshotTrade(t *Trade, snap *Snapshot) {
	snap.TradeID = t.ID
	snap.Role = string(t.Role)
	snap.State = string(t.State)
	snap.BchAmount = t.BchAmount
	snap.XmrAmount = t.XmrAmount
	snap.Timelock1 = t.Timelock1
	snap.Timelock2 = t.Timelock2
	snap.SwaplockTxID = t.SwaplockTxID
	snap.XmrLockTxID = t.XmrLockTxID
	snap.ClaimTxID = t.ClaimTxID
	snap.RefundTxID = t.RefundTxID
	snap.RecoverTxID = t.RecoverTxID
	snap.SeizeTxID = t.SeizeTxID
	snap.FundingRaw = helpers.BytesToHex(t.FundingRaw)
	if !t.HandshakeDeadline.IsZero() {
		snap.HandshakeDeadline = t.HandshakeDeadline.Unix()
	}
	if t.Shared != nil {
		snap.RestoreHeight = t.Shared.RestoreHeight
	}
	if t.Remote != nil {
		snap.RemoteSpendSecp = helpers.BytesToHex(t.Remote.SpendSecp.Bytes())
		snap.RemoteSpendEd = helpers.BytesToHex(t.Remote.SpendEd)
		snap.RemoteView = helpers.BytesToHex(t.Remote.View)
		snap.RemoteRefundPk = helpers.BytesToHex(t.Remote.RefundPk)
		snap.RemoteClaimPk = helpers.BytesToHex(t.Remote.ClaimPk)
		snap.RemoteRecvScript = helpers.BytesToHex(t.Remote.RecvScript)
	}
}

// Snapshot captures Alice's restartable state.
func (a *Alice) Snapshot() ([]byte, error) {
	var snap Snapshot
	snapshotTrade(a.T, &snap)
	snap.XmrDest = a.xmrDest
	if a.claimPresig != nil {
		snap.ClaimPresig = a.claimPresig.Hex()
	}
	if a.refundPresig != nil {
		snap.RefundPresig = a.refundPresig.Hex()
	}
	if a.seizePresig != nil {
		snap.SeizePresig = a.seizePresig.Hex()
	}
	return json.MarshalIndent(&snap, "", "  ")
}

// Snapshot captures Bob's restartable state.
func (b *Bob) Snapshot() ([]byte, error) {
	var snap Snapshot
	snapshotTrade(b.T, &snap)
	snap.XmrDest = b.xmrDest
	snap.SpendWalletName = b.spendWalletName
	snap.WantBch = b.wantBch
	snap.WantXmr = b.wantXmr
	if b.claimPresig != nil {
		snap.ClaimPresig = b.claimPresig.Hex()
	}
	if b.refundPresig != nil {
		snap.RefundPresig = b.refundPresig.Hex()
	}
	if b.seizePresig != nil {
		snap.SeizePresig = b.seizePresig.Hex()
	}
	return json.MarshalIndent(&snap, "", "  ")
}

// restoreTrade applies the snapshot's shared fields and re-derives the
// contracts if the counterparty bundle is present.
func restoreTrade(t *Trade, env *Env, snap *Snapshot, journalState State) error {
	if snap.State != string(journalState) {
		return fmt.Errorf("%w: snapshot state %q, journal state %q",
			ErrProtocolViolation, snap.State, journalState)
	}

	t.BchAmount = snap.BchAmount
	t.XmrAmount = snap.XmrAmount
	t.Timelock1 = snap.Timelock1
	t.Timelock2 = snap.Timelock2
	t.SwaplockTxID = snap.SwaplockTxID
	t.XmrLockTxID = snap.XmrLockTxID
	t.ClaimTxID = snap.ClaimTxID
	t.RefundTxID = snap.RefundTxID
	t.RecoverTxID = snap.RecoverTxID
	t.SeizeTxID = snap.SeizeTxID
	if snap.HandshakeDeadline != 0 {
		t.HandshakeDeadline = time.Unix(snap.HandshakeDeadline, 0)
	}
	if snap.FundingRaw != "" {
		raw, err := helpers.HexToBytes(snap.FundingRaw)
		if err != nil {
			return err
		}
		t.FundingRaw = raw
	}

	if snap.RemoteSpendSecp != "" {
		// The bundle was DLEQ-verified when first received; the proof
		// is not persisted, so restore parses without re-proving.
		remote, err := remoteBundleUnproven(snap)
		if err != nil {
			return err
		}
		t.Remote = remote
		if err := deriveContracts(t, env); err != nil {
			return err
		}
		t.Shared.RestoreHeight = snap.RestoreHeight
	}

	t.State = journalState
	return nil
}

// remoteBundleUnproven re-parses a stored counterparty bundle. The DLEQ
// proof was checked on receipt and is not persisted, so no proof check
// happens here.
func remoteBundleUnproven(snap *Snapshot) (*RemoteBundle, error) {
	spendSecpRaw, err := helpers.HexToFixed(snap.RemoteSpendSecp, 33)
	if err != nil {
		return nil, err
	}
	spendSecp, err := crypto.ParseSecpPoint(spendSecpRaw)
	if err != nil {
		return nil, err
	}
	spendEd, err := helpers.HexToFixed(snap.RemoteSpendEd, 32)
	if err != nil {
		return nil, err
	}
	view, err := helpers.HexToFixed(snap.RemoteView, 32)
	if err != nil {
		return nil, err
	}
	refundPk, err := helpers.HexToFixed(snap.RemoteRefundPk, 33)
	if err != nil {
		return nil, err
	}
	claimPk, err := helpers.HexToFixed(snap.RemoteClaimPk, 33)
	if err != nil {
		return nil, err
	}
	recvScript, err := helpers.HexToBytes(snap.RemoteRecvScript)
	if err != nil {
		return nil, err
	}
	return &RemoteBundle{
		SpendSecp:  spendSecp,
		SpendEd:    spendEd,
		View:       view,
		RefundPk:   refundPk,
		ClaimPk:    claimPk,
		RecvScript: recvScript,
	}, nil
}

// RestoreAlice rebuilds Alice from her snapshot and the journal state.
func RestoreAlice(env *Env, persist PersistFunc, send SendFunc, snap *Snapshot, journalState State) (*Alice, error) {
	a, err := NewAlice(env, persist, send, snap.TradeID, snap.BchAmount, snap.XmrAmount, snap.XmrDest)
	if err != nil {
		return nil, err
	}
	if err := restoreTrade(a.T, env, snap, journalState); err != nil {
		return nil, err
	}
	if snap.ClaimPresig != "" {
		if a.claimPresig, err = crypto.ParseAdaptorSigHex(snap.ClaimPresig); err != nil {
			return nil, err
		}
	}
	if snap.RefundPresig != "" {
		if a.refundPresig, err = crypto.ParseAdaptorSigHex(snap.RefundPresig); err != nil {
			return nil, err
		}
	}
	if snap.SeizePresig != "" {
		if a.seizePresig, err = crypto.ParseAdaptorSigHex(snap.SeizePresig); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// RestoreBob rebuilds Bob from his snapshot and the journal state.
func RestoreBob(env *Env, persist PersistFunc, send SendFunc, snap *Snapshot, journalState State) (*Bob, error) {
	b, err := NewBob(env, persist, send, snap.TradeID, snap.WantBch, snap.WantXmr, snap.SpendWalletName, snap.XmrDest)
	if err != nil {
		return nil, err
	}
	if err := restoreTrade(b.T, env, snap, journalState); err != nil {
		return nil, err
	}
	if snap.ClaimPresig != "" {
		if b.claimPresig, err = crypto.ParseAdaptorSigHex(snap.ClaimPresig); err != nil {
			return nil, err
		}
	}
	if snap.RefundPresig != "" {
		if b.refundPresig, err = crypto.ParseAdaptorSigHex(snap.RefundPresig); err != nil {
			return nil, err
		}
	}
	if snap.SeizePresig != "" {
		if b.seizePresig, err = crypto.ParseAdaptorSigHex(snap.SeizePresig); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ParseSnapshot decodes a snapshot file.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &snap, nil
}
