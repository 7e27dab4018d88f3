package swap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Cyrix126/bch-xmr-swap/internal/codec"
	"github.com/Cyrix126/bch-xmr-swap/internal/covenant"
	"github.com/Cyrix126/bch-xmr-swap/internal/crypto"
	"github.com/Cyrix126/bch-xmr-swap/internal/journal"
	"github.com/Cyrix126/bch-xmr-swap/internal/oracle"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

// Alice is the initiator: she owns the BCH, funds the Swaplock, and
// ends the happy path by sweeping the shared XMR address with the spend
// half Bob's claim broadcast revealed.
type Alice struct {
	T   *Trade
	env *Env
	log *logging.Logger

	persist PersistFunc
	send    SendFunc

	// claimPresig is Alice's own pre-signature (sent in M3); she keeps
	// it to recover b_spend from the on-chain claim signature.
	claimPresig *crypto.AdaptorSig
	// refundPresig is Bob's pre-signature for the recover branch,
	// decryptable with a_spend.
	refundPresig *crypto.AdaptorSig
	// seizePresig is Bob's self-encrypted seize pre-signature, verified
	// in M2 so the whole covenant is known workable before funding.
	seizePresig *crypto.AdaptorSig

	// xmrDest receives the swept XMR.
	xmrDest string
}

// NewAlice creates the initiator side of a trade. All key material is
// derived from the wallet's per-trade seed, so re-creating the trade
// from the same wallet reproduces it exactly.
func NewAlice(env *Env, persist PersistFunc, send SendFunc, id string, bchAmount, xmrAmount uint64, xmrDest string) (*Alice, error) {
	rng, err := crypto.NewTradeRNG(env.Wallet.TradeSeed(id))
	if err != nil {
		return nil, err
	}
	keys, err := NewKeyBundle(rng, env.Wallet.RecvScript(id))
	if err != nil {
		return nil, err
	}

	t := &Trade{
		ID:        id,
		Role:      RoleAlice,
		BchAmount: bchAmount,
		XmrAmount: xmrAmount,
		Timelock1: env.Cfg.Trade.T1Blocks,
		Timelock2: env.Cfg.Trade.T2Blocks,
		State:     StateInit,
		Keys:      keys,
	}

	return &Alice{
		T:       t,
		env:     env,
		log:     env.Log.With("trade_id", id, "role", "alice"),
		persist: persist,
		send:    send,
		xmrDest: xmrDest,
	}, nil
}

func (a *Alice) transition(st State, ev journal.Evidence) error {
	if err := a.persist(st, ev); err != nil {
		return err
	}
	a.log.Info("State transition", "from", a.T.State, "to", st)
	a.T.State = st
	return nil
}

// Start sends M1 and begins waiting for Bob's bundle.
func (a *Alice) Start(ctx context.Context) error {
	if a.T.State != StateInit {
		return fmt.Errorf("%w: start in state %s", ErrProtocolViolation, a.T.State)
	}

	raw, err := codec.Encode(a.T.ID, codec.PhaseKeys1, m1FromTrade(a.T))
	if err != nil {
		return err
	}

	if err := a.transition(StateKeysSent, journal.Evidence{MsgIDs: []string{string(codec.PhaseKeys1)}}); err != nil {
		return err
	}
	if err := a.send(raw); err != nil {
		return err
	}

	a.T.HandshakeDeadline = time.Now().Add(time.Duration(a.env.Cfg.Trade.HandshakeTimeoutSec) * time.Second)
	return a.transition(StateAwaitingBobKeys, journal.Evidence{})
}

// HandleEnvelope processes one counterparty message. Out-of-phase
// messages are protocol violations, never silently dropped.
func (a *Alice) HandleEnvelope(ctx context.Context, phase codec.Phase, body interface{}) error {
	switch m := body.(type) {
	case *codec.M2:
		if a.T.State != StateAwaitingBobKeys {
			return fmt.Errorf("%w: M2 in state %s", ErrProtocolViolation, a.T.State)
		}
		return a.handleM2(ctx, m)

	case *codec.M4:
		// Bob's lock proof is informational; the balance at the shared
		// address is what gates progress.
		if !a.T.State.Committed() {
			return fmt.Errorf("%w: M4 in state %s", ErrProtocolViolation, a.T.State)
		}
		a.T.XmrLockTxID = m.XmrTxid
		a.log.Info("Received XMR lock proof", "txid", m.XmrTxid, "confs", m.ConfsSeen)
		return nil

	case *codec.M5:
		if a.T.State != StateAdaptorSent {
			return fmt.Errorf("%w: M5 in state %s", ErrProtocolViolation, a.T.State)
		}
		a.T.ClaimTxID = m.ClaimTxid
		return nil

	default:
		return fmt.Errorf("%w: unexpected phase %s for alice", ErrProtocolViolation, phase)
	}
}

// handleM2 verifies Bob's bundle and both pre-signatures, derives the
// contracts, and funds the Swaplock. Funding only proceeds once every
// signature Alice needs for the refund branch is in hand.
func (a *Alice) handleM2(ctx context.Context, m *codec.M2) error {
	remote, err := remoteBundle(m.BSpendSecp, m.BSpendEd, m.BView, m.RefundPk, m.ClaimPk, m.Dleq, m.BchRecv)
	if err != nil {
		return err
	}
	a.T.Remote = remote

	if err := deriveContracts(a.T, a.env); err != nil {
		return err
	}

	// Bob's refund pre-signature: his refund key over Alice's receiving
	// script, encrypted under A_spend. Completing it later both unlocks
	// the recover branch and reveals a_spend to Bob.
	refundPre, err := crypto.ParseAdaptorSigHex(m.VesRefundPresig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	bobRefundPk, err := crypto.ParseSecpPoint(remote.RefundPk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := crypto.VerifyEncrypted(refundPre, bobRefundPk, refundDigest(a.T.Keys.RecvScript), a.T.Keys.Spend.SecpPoint()); err != nil {
		return fmt.Errorf("%w: refund pre-signature: %w", ErrProtocolViolation, err)
	}
	a.refundPresig = refundPre

	// Bob's seize pre-signature: his claim key over his own receiving
	// script, encrypted under B_spend. Verifying it now proves the
	// seize branch is executable, so neither side can later claim the
	// covenant set was unusable.
	seizePre, err := crypto.ParseAdaptorSigHex(m.VesSeizePresig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	bobClaimPk, err := crypto.ParseSecpPoint(remote.ClaimPk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := crypto.VerifyEncrypted(seizePre, bobClaimPk, claimDigest(remote.RecvScript), remote.SpendSecp); err != nil {
		return fmt.Errorf("%w: seize pre-signature: %w", ErrProtocolViolation, err)
	}
	a.seizePresig = seizePre

	if err := a.transition(StateKeysVerified, journal.Evidence{MsgIDs: []string{string(codec.PhaseKeys2)}}); err != nil {
		return err
	}

	// Create the watch wallet before any money moves.
	height, err := a.env.Xmr.Height(ctx)
	if err != nil {
		return a.pause(err)
	}
	a.T.Shared.RestoreHeight = height
	if err := a.env.Xmr.CreateViewWallet(ctx, a.T.viewWalletName(), a.T.Shared.Address, a.T.Shared.ViewSecretBytes(), height); err != nil {
		return a.pause(err)
	}

	if err := a.transition(StateAwaitingBchFund, journal.Evidence{}); err != nil {
		return err
	}
	return a.fund(ctx)
}

// fund builds, journals and broadcasts the Swaplock funding tx.
func (a *Alice) fund(ctx context.Context) error {
	fundingAddr, err := a.env.Wallet.FundingAddress()
	if err != nil {
		return err
	}
	utxos, err := a.env.Bch.UTXOs(ctx, fundingAddr)
	if err != nil {
		return a.pause(err)
	}

	fundingScript := a.env.Wallet.FundingScript()
	inputs := make([]covenant.SpendableOutput, len(utxos))
	for i, u := range utxos {
		inputs[i] = covenant.SpendableOutput{
			Outpoint: covenant.Outpoint{TxID: u.TxID, Vout: u.Vout},
			Value:    u.Value,
			Locking:  fundingScript,
		}
	}

	tx, err := covenant.BuildFundingTx(a.T.Contract, inputs, fundingScript,
		a.env.Cfg.Trade.FeePerByteSat, a.env.Wallet.FundingKey())
	if err != nil {
		return err
	}
	raw, err := covenant.SerializeTx(tx)
	if err != nil {
		return err
	}

	a.T.FundingRaw = raw
	a.T.SwaplockTxID = covenant.TxID(tx)

	// Journal first: after a crash the broadcast is retried from the
	// journaled state, never invented from memory.
	if err := a.transition(StateBchFunded, journal.Evidence{TxIDs: []string{a.T.SwaplockTxID}}); err != nil {
		return err
	}
	if _, err := a.env.Bch.Submit(ctx, raw); err != nil {
		return a.pause(err)
	}

	a.log.Info("Swaplock funded", "txid", a.T.SwaplockTxID, "address", a.T.Contract.SwaplockAddress)
	return nil
}

// Tick is the chain-event reactor: it re-derives what to do from the
// current chain state. Every branch is idempotent.
func (a *Alice) Tick(ctx context.Context) error {
	if a.T.State.Terminal() {
		return nil
	}

	switch a.T.State {
	case StateAwaitingBobKeys:
		if !a.T.HandshakeDeadline.IsZero() && time.Now().After(a.T.HandshakeDeadline) {
			a.log.Warn("Handshake timed out")
			return a.transition(StateAborted, journal.Evidence{Note: "handshake timeout"})
		}
		return nil

	case StateAwaitingBchFund:
		// Waiting for re-inclusion after a reorg.
		confs, err := a.env.Bch.Confirmations(ctx, a.T.SwaplockTxID)
		if errors.Is(err, oracle.ErrTxNotFound) {
			_, err := a.env.Bch.Submit(ctx, a.T.FundingRaw)
			if err != nil {
				return a.pause(err)
			}
			return nil
		}
		if err != nil {
			return a.pause(err)
		}
		a.unpause()
		if confs >= 0 {
			return a.transition(StateBchFunded, journal.Evidence{TxIDs: []string{a.T.SwaplockTxID}, Note: "re-included"})
		}
		return nil

	case StateBchFunded:
		return a.tickFunded(ctx)

	case StateXmrLocked:
		return a.sendAdaptor(ctx)

	case StateAdaptorSent:
		return a.tickAdaptorSent(ctx)

	case StateRefundInitiated:
		return a.tickRefundInitiated(ctx)

	case StateAliceRecovered:
		confs, err := a.env.Bch.Confirmations(ctx, a.T.RecoverTxID)
		if err != nil && !errors.Is(err, oracle.ErrTxNotFound) {
			return a.pause(err)
		}
		a.unpause()
		if confs >= a.env.Cfg.Oracle.ConfirmationsBch {
			return a.transition(StateRefundedAlice, journal.Evidence{TxIDs: []string{a.T.RecoverTxID}})
		}
		return nil

	case StateClaimSeen, StateXmrSwept:
		// Sweep retries land here after a pause or a restart. After a
		// restart the recovered half is gone from memory, but the claim
		// signature is still on chain; re-extract it.
		if a.T.recoveredSpend == nil {
			spend, sig, err := scanCovenants(ctx, a.env, a.T)
			if err != nil {
				return a.pause(err)
			}
			a.unpause()
			if spend != covenant.SpendClaim {
				return nil
			}
			return a.sweepXmrFromClaim(ctx, sig)
		}
		return a.sweepXmr(ctx)
	}

	return nil
}

// tickFunded watches for the Swaplock confirmation, the XMR lock, a
// reorg, and the T1 escape.
func (a *Alice) tickFunded(ctx context.Context) error {
	confs, err := a.env.Bch.Confirmations(ctx, a.T.SwaplockTxID)
	if errors.Is(err, oracle.ErrTxNotFound) {
		// Reorged out deeper than our confirmation count: regress.
		return a.transition(StateAwaitingBchFund, journal.Evidence{TxIDs: []string{a.T.SwaplockTxID}, Note: "reorg"})
	}
	if err != nil {
		return a.pause(err)
	}
	a.unpause()

	// XMR lock observed at the shared address?
	unlocked, _, err := a.env.Xmr.Balance(ctx, a.T.viewWalletName())
	if err != nil {
		return a.pause(err)
	}
	if unlocked >= a.T.XmrAmount {
		if err := a.transition(StateXmrLocked, journal.Evidence{Note: "shared address funded"}); err != nil {
			return err
		}
		return a.sendAdaptor(ctx)
	}

	// T1 escape: no XMR and the refund branch is live.
	if confs >= int64(a.T.Timelock1) {
		return a.startRefund(ctx)
	}
	return nil
}

// sendAdaptor creates and sends M3 unless the claim window is already
// closing.
func (a *Alice) sendAdaptor(ctx context.Context) error {
	confs, err := a.env.Bch.Confirmations(ctx, a.T.SwaplockTxID)
	if err != nil && !errors.Is(err, oracle.ErrTxNotFound) {
		return a.pause(err)
	}
	a.unpause()

	margin := int64(a.env.Cfg.Trade.MarginBlocks)
	if confs >= int64(a.T.Timelock1) {
		// T1 elapsed before the adaptor went out; take the escape.
		// The recover broadcast reveals a_spend, so Bob regains his XMR.
		return a.startRefund(ctx)
	}
	if confs >= int64(a.T.Timelock1)-margin {
		// Inside the safety margin: too late to arm the claim, too
		// early for the refund branch. Hold.
		return nil
	}

	if a.claimPresig == nil {
		rng, err := crypto.NewTradeRNG(a.env.Wallet.TradeSeed(a.T.ID + "/claim-nonce"))
		if err != nil {
			return err
		}
		pre, err := crypto.EncryptedSign(&a.T.Keys.ClaimKey.Key,
			claimDigest(a.T.Remote.RecvScript), a.T.Remote.SpendSecp, rng)
		if err != nil {
			return err
		}
		a.claimPresig = pre
	}

	raw, err := codec.Encode(a.T.ID, codec.PhaseAdaptor, &codec.M3{
		VesClaimPresig: a.claimPresig.Hex(),
		SwaplockTxid:   a.T.SwaplockTxID,
	})
	if err != nil {
		return err
	}

	if err := a.transition(StateAdaptorSent, journal.Evidence{MsgIDs: []string{string(codec.PhaseAdaptor)}}); err != nil {
		return err
	}
	return a.send(raw)
}

// tickAdaptorSent watches the covenant addresses. The chain's ordering
// is authoritative: a claim that lands even after T1 still yields
// b_spend.
func (a *Alice) tickAdaptorSent(ctx context.Context) error {
	spend, sig, err := scanCovenants(ctx, a.env, a.T)
	if err != nil {
		return a.pause(err)
	}
	a.unpause()

	switch spend {
	case covenant.SpendClaim:
		if err := a.transition(StateClaimSeen, journal.Evidence{TxIDs: []string{a.T.ClaimTxID}}); err != nil {
			return err
		}
		return a.sweepXmrFromClaim(ctx, sig)

	case covenant.SpendRefund:
		// Someone pushed the refund hop (it is keyless). Follow it.
		if err := a.transition(StateRefundInitiated, journal.Evidence{TxIDs: []string{a.T.RefundTxID}}); err != nil {
			return err
		}
		return nil
	}

	// No spend yet; if T1 has elapsed without the claim, escape.
	confs, err := a.env.Bch.Confirmations(ctx, a.T.SwaplockTxID)
	if err != nil && !errors.Is(err, oracle.ErrTxNotFound) {
		return a.pause(err)
	}
	if confs >= int64(a.T.Timelock1) {
		return a.startRefund(ctx)
	}
	return nil
}

// startRefund broadcasts the keyless Swaplock->Refund hop.
func (a *Alice) startRefund(ctx context.Context) error {
	tx, err := covenant.BuildRefundTx(a.T.Contract, covenant.Outpoint{TxID: a.T.SwaplockTxID, Vout: 0})
	if err != nil {
		return err
	}
	raw, err := covenant.SerializeTx(tx)
	if err != nil {
		return err
	}
	a.T.RefundTxID = covenant.TxID(tx)

	if err := a.transition(StateRefundInitiated, journal.Evidence{TxIDs: []string{a.T.RefundTxID}}); err != nil {
		return err
	}
	if _, err := a.env.Bch.Submit(ctx, raw); err != nil {
		return a.pause(err)
	}
	a.log.Info("Refund broadcast", "txid", a.T.RefundTxID)
	return nil
}

// tickRefundInitiated completes the recover leg once the refund hop
// confirms, while still honoring a claim that wins the race.
func (a *Alice) tickRefundInitiated(ctx context.Context) error {
	spend, sig, err := scanCovenants(ctx, a.env, a.T)
	if err != nil {
		return a.pause(err)
	}
	a.unpause()

	switch spend {
	case covenant.SpendClaim:
		// The claim confirmed despite the refund attempt; the chain
		// decided, and the claim still reveals b_spend.
		if err := a.transition(StateClaimSeen, journal.Evidence{TxIDs: []string{a.T.ClaimTxID}, Note: "claim won race"}); err != nil {
			return err
		}
		return a.sweepXmrFromClaim(ctx, sig)

	case covenant.SpendSeize:
		// Bob seized after T2; Alice forfeited by inaction.
		return a.transition(StateAborted, journal.Evidence{TxIDs: []string{a.T.SeizeTxID}, Note: "seized"})

	case covenant.SpendRecover:
		// Our recover confirmed (possibly in a previous run).
		return a.transition(StateAliceRecovered, journal.Evidence{TxIDs: []string{a.T.RecoverTxID}})
	}

	// Refund hop must confirm before the recover spend is valid.
	if a.T.RefundTxID == "" {
		return nil
	}
	confs, err := a.env.Bch.Confirmations(ctx, a.T.RefundTxID)
	if errors.Is(err, oracle.ErrTxNotFound) {
		return nil
	}
	if err != nil {
		return a.pause(err)
	}
	if confs < 1 {
		return nil
	}

	// Decrypt Bob's refund pre-signature with a_spend and take the
	// recover branch. Broadcasting this reveals a_spend to Bob.
	sigFull, err := crypto.Decrypt(a.refundPresig, a.T.Keys.Spend.Secp())
	if err != nil {
		return err
	}
	tx, err := covenant.BuildRecoverTx(a.T.Contract, covenant.Outpoint{TxID: a.T.RefundTxID, Vout: 0}, sigFull.SerializeDER())
	if err != nil {
		return err
	}
	raw, err := covenant.SerializeTx(tx)
	if err != nil {
		return err
	}
	a.T.RecoverTxID = covenant.TxID(tx)

	if err := a.transition(StateAliceRecovered, journal.Evidence{TxIDs: []string{a.T.RecoverTxID}}); err != nil {
		return err
	}
	if _, err := a.env.Bch.Submit(ctx, raw); err != nil {
		return a.pause(err)
	}
	a.log.Info("Recover broadcast", "txid", a.T.RecoverTxID)
	return nil
}

// sweepXmrFromClaim extracts b_spend from the on-chain claim signature
// and sweeps the shared address.
func (a *Alice) sweepXmrFromClaim(ctx context.Context, dataSig []byte) error {
	sig, err := crypto.ParseSignatureDER(dataSig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	recovered, err := crypto.RecoverSecret(a.claimPresig, sig, a.T.Remote.SpendSecp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	bSpend, err := spendScalarFromSecp(recovered)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	a.T.recoveredSpend = bSpend

	return a.sweepXmr(ctx)
}

// sweepXmr drains the shared address once the full spend key is known.
func (a *Alice) sweepXmr(ctx context.Context) error {
	if a.T.recoveredSpend == nil {
		return fmt.Errorf("%w: no recovered spend half", ErrProtocolViolation)
	}

	spendKey := crypto.AddSpendScalars(a.T.Keys.Spend, a.T.recoveredSpend)

	if a.T.State == StateClaimSeen {
		if err := a.transition(StateXmrSwept, journal.Evidence{Note: "sweep starting"}); err != nil {
			return err
		}
	}

	txs, err := a.env.Sweeper.Sweep(ctx, a.T.Shared, spendKey, a.T.ID, a.xmrDest)
	if err != nil {
		if errors.Is(err, oracle.ErrUnavailable) {
			return a.pause(err)
		}
		return err
	}
	a.unpause()

	return a.transition(StateSuccess, journal.Evidence{TxIDs: txs})
}

// Cancel aborts the trade if nothing has been committed yet.
func (a *Alice) Cancel() error {
	if !a.T.State.Cancellable() {
		return ErrNotCancellable
	}
	return a.transition(StateAborted, journal.Evidence{Note: "cancelled"})
}

func (a *Alice) pause(err error) error {
	if errors.Is(err, oracle.ErrUnavailable) || errors.Is(err, oracle.ErrNotConnected) {
		a.T.Paused = true
		a.log.Warn("Oracle unavailable, trade paused", "err", err)
		return nil
	}
	return err
}

func (a *Alice) unpause() {
	if a.T.Paused {
		a.T.Paused = false
		a.log.Info("Oracle recovered, trade resumed")
	}
}
