package covenant

import (
	"fmt"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
)

// ContractPair holds the two linked covenants of a trade. The Refund
// script depends only on keys, receiving scripts and T2, so it is
// computed first; its P2SH locking bytecode is then embedded in the
// Swaplock script, resolving the reference cycle between the two.
type ContractPair struct {
	MiningFee int64

	SwaplockScript []byte // redeem script
	RefundScript   []byte // redeem script

	SwaplockLocking []byte // P2SH locking bytecode
	RefundLocking   []byte // P2SH locking bytecode

	SwaplockAddress string
	RefundAddress   string

	// Parameters the scripts were instantiated with, kept for template
	// verification and spend classification.
	Swaplock SwaplockParams
	Refund   RefundParams

	Amount int64 // satoshis locked in the Swaplock output
}

// ContractConfig carries everything needed to derive a contract pair.
// Both parties derive it independently and must arrive at the same
// byte-identical scripts and addresses.
type ContractConfig struct {
	MiningFee       int64
	Amount          int64
	AliceRecvScript []byte
	BobRecvScript   []byte
	AliceClaimPk    []byte // Alice's claim data-signature key
	BobRefundPk     []byte // Bob's refund data-signature key
	BobClaimPk      []byte // Bob's seize data-signature key
	Timelock1       uint32
	Timelock2       uint32
	Network         chain.Network
}

// NewContractPair derives the Swaplock/Refund pair for a trade.
func NewContractPair(cfg *ContractConfig) (*ContractPair, error) {
	params, ok := chain.Get("BCH", cfg.Network)
	if !ok {
		return nil, fmt.Errorf("unsupported network: %s", cfg.Network)
	}
	if cfg.Amount <= cfg.MiningFee*2 {
		return nil, fmt.Errorf("amount %d cannot cover two covenant hops at fee %d", cfg.Amount, cfg.MiningFee)
	}

	refundParams := RefundParams{
		MiningFee:       cfg.MiningFee,
		AliceRecvScript: cfg.AliceRecvScript,
		BobRefundPk:     cfg.BobRefundPk,
		Timelock2:       cfg.Timelock2,
		BobRecvScript:   cfg.BobRecvScript,
		BobClaimPk:      cfg.BobClaimPk,
	}
	refundScript, err := BuildRefundScript(&refundParams)
	if err != nil {
		return nil, fmt.Errorf("failed to build refund script: %w", err)
	}
	refundLocking := P2SHLockingScript(refundScript)

	swaplockParams := SwaplockParams{
		MiningFee:     cfg.MiningFee,
		BobRecvScript: cfg.BobRecvScript,
		AliceClaimPk:  cfg.AliceClaimPk,
		Timelock1:     cfg.Timelock1,
		RefundScript:  refundLocking,
	}
	swaplockScript, err := BuildSwaplockScript(&swaplockParams)
	if err != nil {
		return nil, fmt.Errorf("failed to build swaplock script: %w", err)
	}
	swaplockLocking := P2SHLockingScript(swaplockScript)

	// Reject anything that drifted from the recognized templates.
	if err := MatchSwaplockTemplate(swaplockScript, &swaplockParams); err != nil {
		return nil, err
	}
	if err := MatchRefundTemplate(refundScript, &refundParams); err != nil {
		return nil, err
	}

	swaplockAddr, err := CashAddress(swaplockScript, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive swaplock address: %w", err)
	}
	refundAddr, err := CashAddress(refundScript, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive refund address: %w", err)
	}

	return &ContractPair{
		MiningFee:       cfg.MiningFee,
		SwaplockScript:  swaplockScript,
		RefundScript:    refundScript,
		SwaplockLocking: swaplockLocking,
		RefundLocking:   refundLocking,
		SwaplockAddress: swaplockAddr,
		RefundAddress:   refundAddr,
		Swaplock:        swaplockParams,
		Refund:          refundParams,
		Amount:          cfg.Amount,
	}, nil
}

// RefundValue is the value of the Refund output after the first
// covenant hop.
func (c *ContractPair) RefundValue() int64 {
	return c.Amount - c.MiningFee
}
