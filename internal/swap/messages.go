package swap

import (
	"fmt"

	"github.com/Cyrix126/bch-xmr-swap/internal/codec"
	"github.com/Cyrix126/bch-xmr-swap/internal/covenant"
	"github.com/Cyrix126/bch-xmr-swap/internal/crypto"
	"github.com/Cyrix126/bch-xmr-swap/internal/xmr"
	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
)

// Conversions between the in-memory key bundles and the wire messages.
// Every parse here is a verification gate: bad points, bad scalars and
// bad proofs never reach the state machine as accepted material.

// m1FromTrade builds Alice's M1.
func m1FromTrade(t *Trade) *codec.M1 {
	return &codec.M1{
		ASpendSecp: helpers.BytesToHex(t.Keys.Spend.SecpPoint().Bytes()),
		ASpendEd:   helpers.BytesToHex(t.Keys.Spend.EdPoint().Bytes()),
		AView:      helpers.BytesToHex(t.Keys.View.Bytes()),
		RefundPk:   helpers.BytesToHex(t.Keys.RefundKey.PubKey().SerializeCompressed()),
		ClaimPk:    helpers.BytesToHex(t.Keys.ClaimKey.PubKey().SerializeCompressed()),
		Dleq:       t.Keys.Proof.Hex(),
		BchRecv:    helpers.BytesToHex(t.Keys.RecvScript),
		BchAmount:  t.BchAmount,
		XmrAmount:  t.XmrAmount,
		Timelock1:  t.Timelock1,
		Timelock2:  t.Timelock2,
	}
}

// m2FromTrade builds Bob's M2 with his two pre-signatures.
func m2FromTrade(t *Trade, refundPresig, seizePresig *crypto.AdaptorSig) *codec.M2 {
	return &codec.M2{
		BSpendSecp:      helpers.BytesToHex(t.Keys.Spend.SecpPoint().Bytes()),
		BSpendEd:        helpers.BytesToHex(t.Keys.Spend.EdPoint().Bytes()),
		BView:           helpers.BytesToHex(t.Keys.View.Bytes()),
		RefundPk:        helpers.BytesToHex(t.Keys.RefundKey.PubKey().SerializeCompressed()),
		ClaimPk:         helpers.BytesToHex(t.Keys.ClaimKey.PubKey().SerializeCompressed()),
		Dleq:            t.Keys.Proof.Hex(),
		BchRecv:         helpers.BytesToHex(t.Keys.RecvScript),
		VesRefundPresig: refundPresig.Hex(),
		VesSeizePresig:  seizePresig.Hex(),
	}
}

// remoteBundle parses and DLEQ-checks a counterparty bundle. The spend
// point pair and the proof are accepted or rejected as one artifact.
func remoteBundle(spendSecpHex, spendEdHex, viewHex, refundPkHex, claimPkHex, dleqHex, recvHex string) (*RemoteBundle, error) {
	spendSecpRaw, err := helpers.HexToFixed(spendSecpHex, 33)
	if err != nil {
		return nil, fmt.Errorf("%w: spend point: %v", ErrProtocolViolation, err)
	}
	spendSecp, err := crypto.ParseSecpPoint(spendSecpRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	spendEdRaw, err := helpers.HexToFixed(spendEdHex, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: ed spend point: %v", ErrProtocolViolation, err)
	}
	spendEd, err := crypto.ParseEdPoint(spendEdRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	viewRaw, err := helpers.HexToFixed(viewHex, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: view key: %v", ErrProtocolViolation, err)
	}
	if _, err := crypto.ParseEdScalar(viewRaw); err != nil {
		return nil, fmt.Errorf("%w: view key: %v", ErrProtocolViolation, err)
	}

	refundPk, err := helpers.HexToFixed(refundPkHex, 33)
	if err != nil {
		return nil, fmt.Errorf("%w: refund pk: %v", ErrProtocolViolation, err)
	}
	claimPk, err := helpers.HexToFixed(claimPkHex, 33)
	if err != nil {
		return nil, fmt.Errorf("%w: claim pk: %v", ErrProtocolViolation, err)
	}

	recvScript, err := helpers.HexToBytes(recvHex)
	if err != nil || len(recvScript) == 0 {
		return nil, fmt.Errorf("%w: receiving script", ErrProtocolViolation)
	}

	proof, err := crypto.ParseDleqProofHex(dleqHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if err := crypto.DleqVerify(spendSecp, spendEd, proof); err != nil {
		// Keep the specialized error visible under the violation.
		return nil, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}

	return &RemoteBundle{
		SpendSecp:  spendSecp,
		SpendEd:    spendEdRaw,
		View:       viewRaw,
		RefundPk:   refundPk,
		ClaimPk:    claimPk,
		RecvScript: recvScript,
	}, nil
}

// deriveContracts computes the contract pair and shared address once
// both bundles are known. Role decides which side is which.
func deriveContracts(t *Trade, env *Env) error {
	var aliceRecv, bobRecv []byte
	var aliceClaimPk, bobRefundPk, bobClaimPk []byte
	var aSpendEd, bSpendEd []byte
	var aView, bView []byte

	switch t.Role {
	case RoleAlice:
		aliceRecv = t.Keys.RecvScript
		bobRecv = t.Remote.RecvScript
		aliceClaimPk = t.Keys.ClaimKey.PubKey().SerializeCompressed()
		bobRefundPk = t.Remote.RefundPk
		bobClaimPk = t.Remote.ClaimPk
		aSpendEd = t.Keys.Spend.EdPoint().Bytes()
		bSpendEd = t.Remote.SpendEd
		aView = t.Keys.View.Bytes()
		bView = t.Remote.View
	case RoleBob:
		aliceRecv = t.Remote.RecvScript
		bobRecv = t.Keys.RecvScript
		aliceClaimPk = t.Remote.ClaimPk
		bobRefundPk = t.Keys.RefundKey.PubKey().SerializeCompressed()
		bobClaimPk = t.Keys.ClaimKey.PubKey().SerializeCompressed()
		aSpendEd = t.Remote.SpendEd
		bSpendEd = t.Keys.Spend.EdPoint().Bytes()
		aView = t.Remote.View
		bView = t.Keys.View.Bytes()
	default:
		return fmt.Errorf("unknown role %q", t.Role)
	}

	contract, err := covenant.NewContractPair(&covenant.ContractConfig{
		MiningFee:       env.Cfg.Trade.MiningFeeSat,
		Amount:          int64(t.BchAmount),
		AliceRecvScript: aliceRecv,
		BobRecvScript:   bobRecv,
		AliceClaimPk:    aliceClaimPk,
		BobRefundPk:     bobRefundPk,
		BobClaimPk:      bobClaimPk,
		Timelock1:       t.Timelock1,
		Timelock2:       t.Timelock2,
		Network:         env.Network,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	t.Contract = contract

	aEdPoint, err := crypto.ParseEdPoint(aSpendEd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	bEdPoint, err := crypto.ParseEdPoint(bSpendEd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	aViewScalar, err := crypto.ParseEdScalar(aView)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	bViewScalar, err := crypto.ParseEdScalar(bView)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	shared, err := xmr.DeriveShared(aEdPoint, bEdPoint, aViewScalar, bViewScalar, env.Network)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	t.Shared = shared
	return nil
}
