package swap

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/internal/codec"
	"github.com/Cyrix126/bch-xmr-swap/internal/config"
	"github.com/Cyrix126/bch-xmr-swap/internal/crypto"
	"github.com/Cyrix126/bch-xmr-swap/internal/journal"
	"github.com/Cyrix126/bch-xmr-swap/internal/oracle"
	"github.com/Cyrix126/bch-xmr-swap/internal/wallet"
	"github.com/Cyrix126/bch-xmr-swap/internal/xmr"
	"github.com/Cyrix126/bch-xmr-swap/pkg/logging"
)

const (
	aliceMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	bobMnemonic   = "legal winner thank year wave sausage worth useful legal winner thank yellow"

	testBch uint64 = 100_000_000
	testXmr uint64 = 100_000_000_000
)

// outbox captures a machine's outbound envelopes.
type outbox struct {
	msgs [][]byte
}

func (o *outbox) send(data []byte) error {
	o.msgs = append(o.msgs, data)
	return nil
}

func (o *outbox) pop(t *testing.T) []byte {
	t.Helper()
	if len(o.msgs) == 0 {
		t.Fatal("expected an outbound message")
	}
	msg := o.msgs[0]
	o.msgs = o.msgs[1:]
	return msg
}

// stateLog records every journaled transition.
type stateLog struct {
	states []State
}

func (s *stateLog) persist(st State, ev journal.Evidence) error {
	s.states = append(s.states, st)
	return nil
}

func testEnv(t *testing.T, mnemonic string, bch *oracle.MockBch, mx *oracle.MockXmr) *Env {
	t.Helper()

	w, err := wallet.New(mnemonic, "", chain.Regtest)
	if err != nil {
		t.Fatalf("wallet failed: %v", err)
	}

	cfg := config.Default()
	cfg.Network = string(chain.Regtest)
	log := logging.New(&logging.Config{Level: "error"})

	return &Env{
		Network: chain.Regtest,
		Cfg:     cfg,
		Wallet:  w,
		Bch:     bch,
		Xmr:     mx,
		Sweeper: xmr.NewSweeper(mx, log),
		Log:     log,
	}
}

// pair builds a connected Alice and Bob over shared mock chains.
type pair struct {
	alice *Alice
	bob   *Bob

	aliceOut, bobOut *outbox
	aliceLog, bobLog *stateLog

	bch *oracle.MockBch
	mx  *oracle.MockXmr
}

func newPair(t *testing.T) *pair {
	t.Helper()

	bch := oracle.NewMockBch()
	mx := oracle.NewMockXmr()

	p := &pair{
		aliceOut: &outbox{}, bobOut: &outbox{},
		aliceLog: &stateLog{}, bobLog: &stateLog{},
		bch: bch, mx: mx,
	}

	aliceEnv := testEnv(t, aliceMnemonic, bch, mx)
	bobEnv := testEnv(t, bobMnemonic, bch, mx)

	alice, err := NewAlice(aliceEnv, p.aliceLog.persist, p.aliceOut.send, "trade-e2e", testBch, testXmr, "alice-xmr-dest")
	if err != nil {
		t.Fatalf("alice failed: %v", err)
	}
	bob, err := NewBob(bobEnv, p.bobLog.persist, p.bobOut.send, "trade-e2e", testBch, testXmr, "bob-wallet", "bob-xmr-dest")
	if err != nil {
		t.Fatalf("bob failed: %v", err)
	}

	p.alice = alice
	p.bob = bob

	// Seed Alice's funding wallet.
	fundingAddr, err := aliceEnv.Wallet.FundingAddress()
	if err != nil {
		t.Fatalf("funding address failed: %v", err)
	}
	bch.AddUTXO(fundingAddr, oracle.UTXO{
		TxID:  "1111111111111111111111111111111111111111111111111111111111111111",
		Vout:  0,
		Value: int64(testBch) + 1_000_000,
	})

	return p
}

// deliver decodes an envelope and hands it to the receiver.
func deliver(t *testing.T, raw []byte, to interface {
	HandleEnvelope(context.Context, codec.Phase, interface{}) error
}) error {
	t.Helper()
	env, body, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return to.HandleEnvelope(context.Background(), env.Phase, body)
}

// runHandshakeAndFund drives both parties through M1/M2 and Alice's
// funding broadcast.
func (p *pair) runHandshakeAndFund(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	if err := p.bob.Start(ctx); err != nil {
		t.Fatalf("bob start failed: %v", err)
	}
	if err := p.alice.Start(ctx); err != nil {
		t.Fatalf("alice start failed: %v", err)
	}

	m1 := p.aliceOut.pop(t)
	if err := deliver(t, m1, p.bob); err != nil {
		t.Fatalf("bob M1 failed: %v", err)
	}
	if p.bob.T.State != StateAwaitingFund {
		t.Fatalf("bob state = %s", p.bob.T.State)
	}

	m2 := p.bobOut.pop(t)
	if err := deliver(t, m2, p.alice); err != nil {
		t.Fatalf("alice M2 failed: %v", err)
	}
	if p.alice.T.State != StateBchFunded {
		t.Fatalf("alice state = %s", p.alice.T.State)
	}

	// Both derive the same contracts independently.
	if p.alice.T.Contract.SwaplockAddress != p.bob.T.Contract.SwaplockAddress {
		t.Fatal("contract derivation diverged")
	}
	if p.alice.T.Shared.Address != p.bob.T.Shared.Address {
		t.Fatal("shared address derivation diverged")
	}

	// Surface the funding transaction to address scans and confirm it.
	p.bch.IndexAddress(p.alice.T.SwaplockTxID, p.alice.T.Contract.SwaplockAddress)
	p.bch.Advance(2)
}

func TestHappyPath(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.runHandshakeAndFund(t)

	// Bob sees the funding and locks XMR.
	if err := p.bob.Tick(ctx); err != nil {
		t.Fatalf("bob tick failed: %v", err)
	}
	if p.bob.T.State != StateBchFunded || p.bob.T.XmrLockTxID == "" {
		t.Fatalf("bob state = %s, lock = %q", p.bob.T.State, p.bob.T.XmrLockTxID)
	}

	// Next tick observes the unlocked balance and emits M4.
	if err := p.bob.Tick(ctx); err != nil {
		t.Fatalf("bob tick failed: %v", err)
	}
	if p.bob.T.State != StateXmrLocked {
		t.Fatalf("bob state = %s", p.bob.T.State)
	}
	m4 := p.bobOut.pop(t)
	if err := deliver(t, m4, p.alice); err != nil {
		t.Fatalf("alice M4 failed: %v", err)
	}

	// Alice observes the lock and sends the adaptor.
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State != StateAdaptorSent {
		t.Fatalf("alice state = %s", p.alice.T.State)
	}
	m3 := p.aliceOut.pop(t)

	// Bob verifies, decrypts with b_spend and claims.
	if err := deliver(t, m3, p.bob); err != nil {
		t.Fatalf("bob M3 failed: %v", err)
	}
	if p.bob.T.State != StateClaimBroadcast {
		t.Fatalf("bob state = %s", p.bob.T.State)
	}

	// The claim confirms.
	p.bch.IndexAddress(p.bob.T.ClaimTxID, p.bob.T.Contract.SwaplockAddress)
	p.bch.Advance(2)

	if err := p.bob.Tick(ctx); err != nil {
		t.Fatalf("bob tick failed: %v", err)
	}
	if p.bob.T.State != StateSuccess {
		t.Fatalf("bob terminal = %s", p.bob.T.State)
	}

	// Alice extracts b_spend from the on-chain signature and sweeps.
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State != StateSuccess {
		t.Fatalf("alice terminal = %s", p.alice.T.State)
	}

	// The sweep went to Alice's destination; the spend-key check inside
	// the sweeper proves the recovered half was exactly b_spend.
	sweeps := p.mx.Sweeps()
	if len(sweeps) != 1 || sweeps[0] != "alice-xmr-dest" {
		t.Errorf("sweeps = %v", sweeps)
	}

	// Journal saw every committed state in order.
	for _, want := range []State{StateKeysSent, StateAwaitingBobKeys, StateKeysVerified, StateBchFunded, StateXmrLocked, StateAdaptorSent, StateClaimSeen, StateXmrSwept, StateSuccess} {
		if !containsState(p.aliceLog.states, want) {
			t.Errorf("alice journal missing %s: %v", want, p.aliceLog.states)
		}
	}
}

func TestCancelBeforeFunding(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	p.bob.Start(ctx)
	p.alice.Start(ctx)
	deliver(t, p.aliceOut.pop(t), p.bob)

	// Bob is awaiting the fund; he can no longer... actually he never
	// committed anything, but his state is not in the cancellable set
	// once M2 went out and Alice may be funding against it.
	if err := p.bob.Cancel(); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("bob cancel = %v", err)
	}

	// Alice is still awaiting Bob's keys; cancelling is allowed there.
	if err := p.alice.Cancel(); err != nil {
		t.Fatalf("alice cancel failed: %v", err)
	}
	if p.alice.T.State != StateAborted {
		t.Errorf("alice state = %s", p.alice.T.State)
	}
}

func TestCancelRefusedAfterFunding(t *testing.T) {
	p := newPair(t)
	p.runHandshakeAndFund(t)

	if err := p.alice.Cancel(); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
}

func TestTamperedDleqAborts(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	p.bob.Start(ctx)
	p.alice.Start(ctx)
	m1raw := p.aliceOut.pop(t)

	// Flip one bit inside the DLEQ proof hex.
	env, body, err := codec.Decode(m1raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	m1 := body.(*codec.M1)
	tampered := []byte(m1.Dleq)
	if tampered[10] == 'a' {
		tampered[10] = 'b'
	} else {
		tampered[10] = 'a'
	}
	m1.Dleq = string(tampered)

	err = p.bob.HandleEnvelope(ctx, env.Phase, m1)
	if !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if !errors.Is(err, crypto.ErrInvalidDleq) && !strings.Contains(err.Error(), "dleq") {
		t.Errorf("violation does not carry the dleq cause: %v", err)
	}

	// No state advance, no chain action.
	if p.bob.T.State != StateAwaitingAliceKeys {
		t.Errorf("bob state = %s", p.bob.T.State)
	}
	if h, _ := p.bch.Height(ctx); h != 0 {
		t.Error("unexpected chain activity")
	}
}

func TestOutOfPhaseMessage(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.bob.Start(ctx)

	// An adaptor before the key exchange is a violation, not a drop.
	err := p.bob.HandleEnvelope(ctx, codec.PhaseAdaptor, &codec.M3{VesClaimPresig: "00"})
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation, got %v", err)
	}
}

func TestRefundPath(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.runHandshakeAndFund(t)

	// Bob never locks XMR. T1 elapses.
	p.bch.Advance(25)

	// Alice escapes through the refund hop.
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State != StateRefundInitiated {
		t.Fatalf("alice state = %s", p.alice.T.State)
	}
	p.bch.IndexAddress(p.alice.T.RefundTxID, p.alice.T.Contract.SwaplockAddress, p.alice.T.Contract.RefundAddress)
	p.bch.Advance(1)

	// The refund confirmed; Alice completes the recover leg with the
	// decrypted pre-signature.
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State != StateAliceRecovered {
		t.Fatalf("alice state = %s", p.alice.T.State)
	}
	p.bch.IndexAddress(p.alice.T.RecoverTxID, p.alice.T.Contract.RefundAddress)
	p.bch.Advance(2)

	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State != StateRefundedAlice {
		t.Fatalf("alice terminal = %s", p.alice.T.State)
	}

	// Bob arrives late: the lock window is long gone, so he aborts
	// without ever moving XMR.
	if err := p.bob.Tick(ctx); err != nil {
		t.Fatalf("bob tick failed: %v", err)
	}
	if p.bob.T.State != StateAborted {
		t.Fatalf("bob terminal = %s", p.bob.T.State)
	}
	if len(p.mx.Sweeps()) != 0 {
		t.Error("no XMR should have moved")
	}
}

func TestRecoverRevealsASpendToBob(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.runHandshakeAndFund(t)

	// Bob locks XMR normally.
	p.bob.Tick(ctx) // funding seen, lock sent
	p.bob.Tick(ctx) // balance seen, M4 out
	p.bobOut.pop(t)
	if p.bob.T.State != StateXmrLocked {
		t.Fatalf("bob state = %s", p.bob.T.State)
	}

	// Alice never sends the adaptor; instead T1 elapses and she runs
	// the refund-recover chain.
	p.bch.Advance(25)
	if err := p.alice.Tick(ctx); err != nil { // xmr_locked transition happens first
		t.Fatalf("alice tick failed: %v", err)
	}
	// T1 is already past, so sendAdaptor takes the refund escape in the
	// same tick instead of emitting M3. Any M3 that did go out is dropped
	// as if it never arrived; the next tick keeps her in the refund leg.
	if p.alice.T.State == StateAdaptorSent {
		p.aliceOut.msgs = nil
	}
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State != StateRefundInitiated {
		t.Fatalf("alice state = %s", p.alice.T.State)
	}
	p.bch.IndexAddress(p.alice.T.RefundTxID, p.alice.T.Contract.SwaplockAddress, p.alice.T.Contract.RefundAddress)
	p.bch.Advance(1)

	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	p.bch.IndexAddress(p.alice.T.RecoverTxID, p.alice.T.Contract.RefundAddress)
	p.bch.Advance(1)

	// Bob observes the recover broadcast, extracts a_spend from the
	// completed signature and sweeps the shared address back.
	if err := p.bob.Tick(ctx); err != nil {
		t.Fatalf("bob tick failed: %v", err)
	}
	if p.bob.T.State != StateAborted {
		t.Fatalf("bob terminal = %s", p.bob.T.State)
	}
	sweeps := p.mx.Sweeps()
	if len(sweeps) != 1 || sweeps[0] != "bob-xmr-dest" {
		t.Errorf("sweeps = %v", sweeps)
	}
}

func TestSeizePath(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.runHandshakeAndFund(t)

	// Bob locks XMR; Alice disappears.
	p.bob.Tick(ctx)
	p.bob.Tick(ctx)
	p.bobOut.pop(t)
	if p.bob.T.State != StateXmrLocked {
		t.Fatalf("bob state = %s", p.bob.T.State)
	}

	// T1 elapses with nothing on chain; Bob pushes the keyless refund
	// hop himself.
	p.bch.Advance(25)
	if err := p.bob.Tick(ctx); err != nil {
		t.Fatalf("bob tick failed: %v", err)
	}
	if p.bob.T.State != StateAwaitingSeizeWindow {
		t.Fatalf("bob state = %s", p.bob.T.State)
	}
	p.bch.IndexAddress(p.bob.T.RefundTxID, p.bob.T.Contract.SwaplockAddress, p.bob.T.Contract.RefundAddress)

	// T2 elapses past the refund confirmation; the seize branch opens.
	p.bch.Advance(21)
	if err := p.bob.Tick(ctx); err != nil {
		t.Fatalf("bob tick failed: %v", err)
	}
	if p.bob.T.State != StateSeizeBroadcast {
		t.Fatalf("bob state = %s", p.bob.T.State)
	}
	p.bch.IndexAddress(p.bob.T.SeizeTxID, p.bob.T.Contract.RefundAddress)
	p.bch.Advance(2)

	if err := p.bob.Tick(ctx); err != nil {
		t.Fatalf("bob tick failed: %v", err)
	}
	if p.bob.T.State != StateSeizedBob {
		t.Fatalf("bob terminal = %s", p.bob.T.State)
	}
}

func TestReorgRegression(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.runHandshakeAndFund(t)

	// A reorg deep enough to drop the funding tx regresses the machine.
	p.bch.Forget(p.alice.T.SwaplockTxID)
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State != StateAwaitingBchFund {
		t.Fatalf("alice state after reorg = %s", p.alice.T.State)
	}
	if !containsState(p.aliceLog.states, StateAwaitingBchFund) {
		t.Error("reorg regression not journaled")
	}

	// The next tick resubmits the kept funding bytes idempotently.
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	p.bch.Advance(2)
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State == StateAwaitingBchFund {
		t.Errorf("alice did not advance after re-inclusion")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	p.alice.Start(ctx)
	p.aliceOut.pop(t)

	// Force the deadline into the past.
	p.alice.T.HandshakeDeadline = p.alice.T.HandshakeDeadline.AddDate(0, 0, -1)

	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("alice tick failed: %v", err)
	}
	if p.alice.T.State != StateAborted {
		t.Errorf("alice state = %s", p.alice.T.State)
	}
}

func TestPausedOverlayOnOracleOutage(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()
	p.runHandshakeAndFund(t)

	p.bch.SetDown(true)
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("tick during outage errored: %v", err)
	}
	if !p.alice.T.Paused {
		t.Error("expected paused overlay")
	}
	// State is preserved.
	if p.alice.T.State != StateBchFunded {
		t.Errorf("state = %s", p.alice.T.State)
	}

	p.bch.SetDown(false)
	if err := p.alice.Tick(ctx); err != nil {
		t.Fatalf("tick after recovery errored: %v", err)
	}
	if p.alice.T.Paused {
		t.Error("overlay not cleared")
	}
}

func containsState(states []State, want State) bool {
	for _, s := range states {
		if s == want {
			return true
		}
	}
	return false
}
