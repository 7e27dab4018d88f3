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

// Bob is the responder: he locks XMR at the shared address once the
// Swaplock confirms, decrypts Alice's claim pre-signature with his
// spend half, and takes the BCH - revealing that half to Alice in the
// same act.
type Bob struct {
	T   *Trade
	env *Env
	log *logging.Logger

	persist PersistFunc
	send    SendFunc

	// claimPresig is Alice's pre-signature from M3.
	claimPresig *crypto.AdaptorSig
	// refundPresig is Bob's own pre-signature sent in M2; kept to
	// recover a_spend from an on-chain recover broadcast.
	refundPresig *crypto.AdaptorSig
	// seizePresig is Bob's own self-encrypted seize pre-signature.
	seizePresig *crypto.AdaptorSig

	// Expected amounts, fixed at trade creation; M1 must match them.
	wantBch uint64
	wantXmr uint64

	// xmrDest receives XMR recovered on the failure paths.
	xmrDest string

	// spendWalletName is the wallet the lock is paid from.
	spendWalletName string
}

// NewBob creates the responder side of a trade. The expected amounts
// come from the negotiated offer; an M1 that disagrees is rejected.
func NewBob(env *Env, persist PersistFunc, send SendFunc, id string, wantBch, wantXmr uint64, spendWalletName, xmrDest string) (*Bob, error) {
	rng, err := crypto.NewTradeRNG(env.Wallet.TradeSeed(id))
	if err != nil {
		return nil, err
	}
	keys, err := NewKeyBundle(rng, env.Wallet.RecvScript(id))
	if err != nil {
		return nil, err
	}

	t := &Trade{
		ID:    id,
		Role:  RoleBob,
		State: StateInit,
		Keys:  keys,
	}

	return &Bob{
		T:               t,
		env:             env,
		log:             env.Log.With("trade_id", id, "role", "bob"),
		persist:         persist,
		send:            send,
		wantBch:         wantBch,
		wantXmr:         wantXmr,
		xmrDest:         xmrDest,
		spendWalletName: spendWalletName,
	}, nil
}

func (b *Bob) transition(st State, ev journal.Evidence) error {
	if err := b.persist(st, ev); err != nil {
		return err
	}
	b.log.Info("State transition", "from", b.T.State, "to", st)
	b.T.State = st
	return nil
}

// Start begins waiting for Alice's bundle.
func (b *Bob) Start(ctx context.Context) error {
	if b.T.State != StateInit {
		return fmt.Errorf("%w: start in state %s", ErrProtocolViolation, b.T.State)
	}
	b.T.HandshakeDeadline = time.Now().Add(time.Duration(b.env.Cfg.Trade.HandshakeTimeoutSec) * time.Second)
	return b.transition(StateAwaitingAliceKeys, journal.Evidence{})
}

// HandleEnvelope processes one counterparty message.
func (b *Bob) HandleEnvelope(ctx context.Context, phase codec.Phase, body interface{}) error {
	switch m := body.(type) {
	case *codec.M1:
		if b.T.State != StateAwaitingAliceKeys {
			return fmt.Errorf("%w: M1 in state %s", ErrProtocolViolation, b.T.State)
		}
		return b.handleM1(ctx, m)

	case *codec.M3:
		if b.T.State != StateXmrLocked {
			return fmt.Errorf("%w: M3 in state %s", ErrProtocolViolation, b.T.State)
		}
		return b.handleM3(ctx, m)

	default:
		return fmt.Errorf("%w: unexpected phase %s for bob", ErrProtocolViolation, phase)
	}
}

// handleM1 verifies Alice's bundle against the agreed offer, derives
// the contracts, creates the watch wallet, and answers with M2.
func (b *Bob) handleM1(ctx context.Context, m *codec.M1) error {
	if m.BchAmount != b.wantBch || m.XmrAmount != b.wantXmr {
		return fmt.Errorf("%w: got %d sat / %d piconero", ErrAmountMismatch, m.BchAmount, m.XmrAmount)
	}
	if m.Timelock1 == 0 || m.Timelock2 == 0 || m.Timelock1 > 0xffff || m.Timelock2 > 0xffff {
		return fmt.Errorf("%w: timelocks %d/%d", ErrProtocolViolation, m.Timelock1, m.Timelock2)
	}

	remote, err := remoteBundle(m.ASpendSecp, m.ASpendEd, m.AView, m.RefundPk, m.ClaimPk, m.Dleq, m.BchRecv)
	if err != nil {
		return err
	}

	b.T.Remote = remote
	b.T.BchAmount = m.BchAmount
	b.T.XmrAmount = m.XmrAmount
	b.T.Timelock1 = m.Timelock1
	b.T.Timelock2 = m.Timelock2

	if err := deriveContracts(b.T, b.env); err != nil {
		return err
	}

	if err := b.transition(StateKeysReceived, journal.Evidence{MsgIDs: []string{string(codec.PhaseKeys1)}}); err != nil {
		return err
	}

	// Watch wallet before anything is at stake; the creation height is
	// the restore height for every later wallet rebuild.
	height, err := b.env.Xmr.Height(ctx)
	if err != nil {
		return b.pause(err)
	}
	b.T.Shared.RestoreHeight = height
	if err := b.env.Xmr.CreateViewWallet(ctx, b.T.viewWalletName(), b.T.Shared.Address, b.T.Shared.ViewSecretBytes(), height); err != nil {
		return b.pause(err)
	}

	// Pre-signatures: the refund one is encrypted under A_spend (Alice
	// completes it; completing reveals a_spend), the seize one under
	// Bob's own B_spend (self-decryptable once T2 opens).
	rng, err := crypto.NewTradeRNG(b.env.Wallet.TradeSeed(b.T.ID + "/presig-nonce"))
	if err != nil {
		return err
	}
	refundPre, err := crypto.EncryptedSign(&b.T.Keys.RefundKey.Key,
		refundDigest(remote.RecvScript), remote.SpendSecp, rng)
	if err != nil {
		return err
	}
	seizePre, err := crypto.EncryptedSign(&b.T.Keys.ClaimKey.Key,
		claimDigest(b.T.Keys.RecvScript), b.T.Keys.Spend.SecpPoint(), rng)
	if err != nil {
		return err
	}
	b.refundPresig = refundPre
	b.seizePresig = seizePre

	raw, err := codec.Encode(b.T.ID, codec.PhaseKeys2, m2FromTrade(b.T, refundPre, seizePre))
	if err != nil {
		return err
	}

	if err := b.transition(StateKeysSent, journal.Evidence{MsgIDs: []string{string(codec.PhaseKeys2)}}); err != nil {
		return err
	}
	if err := b.send(raw); err != nil {
		return err
	}

	return b.transition(StateAwaitingFund, journal.Evidence{})
}

// handleM3 verifies Alice's claim pre-signature and, if the windows
// allow, decrypts and broadcasts the claim.
func (b *Bob) handleM3(ctx context.Context, m *codec.M3) error {
	pre, err := crypto.ParseAdaptorSigHex(m.VesClaimPresig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	aliceClaimPk, err := crypto.ParseSecpPoint(b.T.Remote.ClaimPk)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	// Encrypted under B_spend: exactly the point whose scalar Bob holds
	// and Alice learns from the broadcast.
	if err := crypto.VerifyEncrypted(pre, aliceClaimPk, claimDigest(b.T.Keys.RecvScript), b.T.Keys.Spend.SecpPoint()); err != nil {
		return fmt.Errorf("%w: claim pre-signature: %w", ErrProtocolViolation, err)
	}
	b.claimPresig = pre
	if m.SwaplockTxid != "" {
		b.T.SwaplockTxID = m.SwaplockTxid
	}

	if err := b.transition(StateAdaptorReceived, journal.Evidence{MsgIDs: []string{string(codec.PhaseAdaptor)}}); err != nil {
		return err
	}
	return b.broadcastClaim(ctx)
}

// broadcastClaim completes the pre-signature with b_spend and spends
// the Swaplock claim branch.
func (b *Bob) broadcastClaim(ctx context.Context) error {
	confs, err := b.env.Bch.Confirmations(ctx, b.T.SwaplockTxID)
	if err != nil && !errors.Is(err, oracle.ErrTxNotFound) {
		return b.pause(err)
	}
	b.unpause()

	// Past T1 the refund branch is live; racing it is pointless unless
	// the claim is already in flight. The chain stays authoritative
	// either way.
	if confs >= int64(b.T.Timelock1) {
		b.log.Warn("Claim window closed before broadcast", "confs", confs)
		return b.tickWatchFailure(ctx)
	}

	sig, err := crypto.Decrypt(b.claimPresig, b.T.Keys.Spend.Secp())
	if err != nil {
		return err
	}

	tx, err := covenant.BuildClaimTx(b.T.Contract, covenant.Outpoint{TxID: b.T.SwaplockTxID, Vout: 0}, sig.SerializeDER())
	if err != nil {
		return err
	}
	raw, err := covenant.SerializeTx(tx)
	if err != nil {
		return err
	}
	b.T.ClaimTxID = covenant.TxID(tx)

	if err := b.transition(StateClaimBroadcast, journal.Evidence{TxIDs: []string{b.T.ClaimTxID}}); err != nil {
		return err
	}
	if _, err := b.env.Bch.Submit(ctx, raw); err != nil {
		return b.pause(err)
	}

	b.log.Info("Claim broadcast", "txid", b.T.ClaimTxID)

	// Optional notice so Alice scans sooner.
	notice, err := codec.Encode(b.T.ID, codec.PhaseClaimNotice, &codec.M5{ClaimTxid: b.T.ClaimTxID})
	if err == nil {
		b.send(notice)
	}
	return nil
}

// Tick is Bob's chain-event reactor.
func (b *Bob) Tick(ctx context.Context) error {
	if b.T.State.Terminal() {
		return nil
	}

	switch b.T.State {
	case StateAwaitingAliceKeys:
		if !b.T.HandshakeDeadline.IsZero() && time.Now().After(b.T.HandshakeDeadline) {
			b.log.Warn("Handshake timed out")
			return b.transition(StateAborted, journal.Evidence{Note: "handshake timeout"})
		}
		return nil

	case StateAwaitingFund:
		return b.tickAwaitingFund(ctx)

	case StateBchFunded:
		return b.tickFunded(ctx)

	case StateXmrLocked, StateAdaptorReceived:
		return b.tickWatchFailure(ctx)

	case StateClaimBroadcast:
		return b.tickClaimBroadcast(ctx)

	case StateAwaitingSeizeWindow:
		return b.tickSeizeWindow(ctx)

	case StateSeizeBroadcast:
		confs, err := b.env.Bch.Confirmations(ctx, b.T.SeizeTxID)
		if err != nil && !errors.Is(err, oracle.ErrTxNotFound) {
			return b.pause(err)
		}
		b.unpause()
		if confs >= b.env.Cfg.Oracle.ConfirmationsBch {
			return b.transition(StateSeizedBob, journal.Evidence{TxIDs: []string{b.T.SeizeTxID}})
		}
		return nil
	}

	return nil
}

// tickAwaitingFund looks for a confirmed Swaplock funding output.
func (b *Bob) tickAwaitingFund(ctx context.Context) error {
	txs, err := b.env.Bch.AddressHistory(ctx, b.T.Contract.SwaplockAddress, b.env.Cfg.Oracle.ConfirmationsBch)
	if err != nil {
		return b.pause(err)
	}
	b.unpause()

	for _, entry := range txs {
		tx, err := covenant.DeserializeTx(entry.Raw)
		if err != nil {
			continue
		}
		for _, out := range tx.TxOut {
			if string(out.PkScript) == string(b.T.Contract.SwaplockLocking) && out.Value >= b.T.Contract.Amount {
				b.T.SwaplockTxID = entry.TxID
				if err := b.transition(StateBchFunded, journal.Evidence{TxIDs: []string{entry.TxID}}); err != nil {
					return err
				}
				return b.lockXmr(ctx, entry.Confirmations)
			}
		}
	}
	return nil
}

// lockXmr funds the shared address, provided the claim window still has
// room. Skipping the lock is always safe for Bob; locking too late is
// not.
func (b *Bob) lockXmr(ctx context.Context, swaplockConfs int64) error {
	margin := int64(b.env.Cfg.Trade.MarginBlocks)
	if swaplockConfs >= int64(b.T.Timelock1)-margin {
		b.log.Warn("Too close to T1, refusing to lock XMR", "confs", swaplockConfs)
		return b.transition(StateAborted, journal.Evidence{Note: "lock window closed"})
	}

	txid, err := b.env.Xmr.Transfer(ctx, b.spendWalletName, b.T.Shared.Address, b.T.XmrAmount)
	if err != nil {
		return b.pause(err)
	}
	b.T.XmrLockTxID = txid
	b.log.Info("XMR lock sent", "txid", txid, "address", b.T.Shared.Address)
	return nil
}

// tickFunded waits for the lock to become spendable and reports it with
// M4. Reorg of the Swaplock regresses to waiting for the fund.
func (b *Bob) tickFunded(ctx context.Context) error {
	confs, err := b.env.Bch.Confirmations(ctx, b.T.SwaplockTxID)
	if errors.Is(err, oracle.ErrTxNotFound) {
		return b.transition(StateAwaitingFund, journal.Evidence{TxIDs: []string{b.T.SwaplockTxID}, Note: "reorg"})
	}
	if err != nil {
		return b.pause(err)
	}

	if b.T.XmrLockTxID == "" {
		// The lock was not sent yet (e.g. the wallet was down); retry
		// under the same margin rule.
		return b.lockXmr(ctx, confs)
	}

	unlocked, _, err := b.env.Xmr.Balance(ctx, b.T.viewWalletName())
	if err != nil {
		return b.pause(err)
	}
	b.unpause()

	if unlocked < b.T.XmrAmount {
		return nil
	}

	if err := b.transition(StateXmrLocked, journal.Evidence{TxIDs: []string{b.T.XmrLockTxID}}); err != nil {
		return err
	}

	raw, err := codec.Encode(b.T.ID, codec.PhaseLockProof, &codec.M4{
		XmrTxid:   b.T.XmrLockTxID,
		ConfsSeen: b.env.Cfg.Oracle.ConfirmationsXmr,
	})
	if err != nil {
		return err
	}
	return b.send(raw)
}

// tickWatchFailure watches for Alice's refund while the adaptor
// exchange is pending. A refund on chain moves Bob into the seize
// window; a recover reveals a_spend and lets him take his XMR back.
func (b *Bob) tickWatchFailure(ctx context.Context) error {
	spend, sig, err := scanCovenants(ctx, b.env, b.T)
	if err != nil {
		return b.pause(err)
	}
	b.unpause()

	switch spend {
	case covenant.SpendClaim:
		// Our own claim (possibly from a previous run) confirmed.
		return b.transition(StateClaimBroadcast, journal.Evidence{TxIDs: []string{b.T.ClaimTxID}})

	case covenant.SpendRefund:
		return b.transition(StateAwaitingSeizeWindow, journal.Evidence{TxIDs: []string{b.T.RefundTxID}})

	case covenant.SpendRecover:
		return b.recoverXmr(ctx, sig)
	}

	// Nothing on chain and T1 elapsed: push the keyless refund hop
	// ourselves so the seize window can open even with Alice gone.
	confs, err := b.env.Bch.Confirmations(ctx, b.T.SwaplockTxID)
	if err != nil && !errors.Is(err, oracle.ErrTxNotFound) {
		return b.pause(err)
	}
	if confs >= int64(b.T.Timelock1) {
		tx, err := covenant.BuildRefundTx(b.T.Contract, covenant.Outpoint{TxID: b.T.SwaplockTxID, Vout: 0})
		if err != nil {
			return err
		}
		raw, err := covenant.SerializeTx(tx)
		if err != nil {
			return err
		}
		b.T.RefundTxID = covenant.TxID(tx)
		if err := b.transition(StateAwaitingSeizeWindow, journal.Evidence{TxIDs: []string{b.T.RefundTxID}}); err != nil {
			return err
		}
		if _, err := b.env.Bch.Submit(ctx, raw); err != nil {
			return b.pause(err)
		}
		b.log.Info("Refund hop broadcast for seize path", "txid", b.T.RefundTxID)
	}
	return nil
}

// tickClaimBroadcast waits out the claim confirmations; the race rule
// applies if a refund confirmed instead.
func (b *Bob) tickClaimBroadcast(ctx context.Context) error {
	confs, err := b.env.Bch.Confirmations(ctx, b.T.ClaimTxID)
	if errors.Is(err, oracle.ErrTxNotFound) {
		// The claim lost a race or was reorged; look at what happened.
		return b.tickWatchFailure(ctx)
	}
	if err != nil {
		return b.pause(err)
	}
	b.unpause()

	if confs >= b.env.Cfg.Oracle.ConfirmationsBch {
		if err := b.transition(StateBchSwept, journal.Evidence{TxIDs: []string{b.T.ClaimTxID}}); err != nil {
			return err
		}
		return b.transition(StateSuccess, journal.Evidence{})
	}
	return nil
}

// tickSeizeWindow waits for T2 past the Refund confirmation, still
// honoring a recover that confirms first.
func (b *Bob) tickSeizeWindow(ctx context.Context) error {
	spend, sig, err := scanCovenants(ctx, b.env, b.T)
	if err != nil {
		return b.pause(err)
	}
	b.unpause()

	switch spend {
	case covenant.SpendRecover:
		return b.recoverXmr(ctx, sig)
	case covenant.SpendSeize:
		return b.transition(StateSeizeBroadcast, journal.Evidence{TxIDs: []string{b.T.SeizeTxID}})
	}

	if b.T.RefundTxID == "" {
		return nil
	}
	confs, err := b.env.Bch.Confirmations(ctx, b.T.RefundTxID)
	if err != nil && !errors.Is(err, oracle.ErrTxNotFound) {
		return b.pause(err)
	}
	b.unpause()
	if confs < int64(b.T.Timelock2) {
		return nil
	}

	// T2 elapsed: complete our own seize pre-signature with b_spend.
	sigFull, err := crypto.Decrypt(b.seizePresig, b.T.Keys.Spend.Secp())
	if err != nil {
		return err
	}
	tx, err := covenant.BuildSeizeTx(b.T.Contract, covenant.Outpoint{TxID: b.T.RefundTxID, Vout: 0}, sigFull.SerializeDER())
	if err != nil {
		return err
	}
	raw, err := covenant.SerializeTx(tx)
	if err != nil {
		return err
	}
	b.T.SeizeTxID = covenant.TxID(tx)

	if err := b.transition(StateSeizeBroadcast, journal.Evidence{TxIDs: []string{b.T.SeizeTxID}}); err != nil {
		return err
	}
	if _, err := b.env.Bch.Submit(ctx, raw); err != nil {
		return b.pause(err)
	}
	b.log.Info("Seize broadcast", "txid", b.T.SeizeTxID)
	return nil
}

// recoverXmr extracts a_spend from Alice's recover broadcast and sweeps
// the shared address back to Bob's wallet. Terminal: the trade failed
// without loss.
func (b *Bob) recoverXmr(ctx context.Context, dataSig []byte) error {
	sig, err := crypto.ParseSignatureDER(dataSig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	recovered, err := crypto.RecoverSecret(b.refundPresig, sig, b.T.Remote.SpendSecp)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	aSpend, err := spendScalarFromSecp(recovered)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	b.T.recoveredSpend = aSpend

	spendKey := crypto.AddSpendScalars(b.T.Keys.Spend, aSpend)
	txs, err := b.env.Sweeper.Sweep(ctx, b.T.Shared, spendKey, b.T.ID, b.xmrDest)
	if err != nil {
		if errors.Is(err, oracle.ErrUnavailable) {
			return b.pause(err)
		}
		return err
	}
	b.unpause()

	return b.transition(StateAborted, journal.Evidence{TxIDs: txs, Note: "refunded, xmr recovered"})
}

// Cancel aborts the trade if nothing has been committed yet.
func (b *Bob) Cancel() error {
	if !b.T.State.Cancellable() {
		return ErrNotCancellable
	}
	return b.transition(StateAborted, journal.Evidence{Note: "cancelled"})
}

func (b *Bob) pause(err error) error {
	if errors.Is(err, oracle.ErrUnavailable) || errors.Is(err, oracle.ErrNotConnected) {
		b.T.Paused = true
		b.log.Warn("Oracle unavailable, trade paused", "err", err)
		return nil
	}
	return err
}

func (b *Bob) unpause() {
	if b.T.Paused {
		b.T.Paused = false
		b.log.Info("Oracle recovered, trade resumed")
	}
}
