// Package covenant builds the Swaplock and Refund covenant scripts and
// the deterministic transaction set that spends them. The scripts are
// fixed templates parameterized only by the embedded fee, the two
// receiving scripts, the data-signature keys and the timelocks; a
// received script is accepted only if rebuilding the template from its
// extracted parameters reproduces it byte for byte and its skeleton
// hash is in the recognized set for the network.
package covenant

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Cyrix126/bch-xmr-swap/internal/chain"
	"github.com/Cyrix126/bch-xmr-swap/pkg/helpers"
)

// Script errors
var (
	ErrUnknownTemplate = errors.New("unknown covenant template")
	ErrMalformedScript = errors.New("malformed covenant script")
	ErrInvalidTimelock = errors.New("invalid timelock")
)

// Bitcoin Cash opcodes absent from btcd's BTC-focused opcode table.
const (
	opCheckDataSig  = 0xba
	opInputIndex    = 0xc0
	opTxOutputCount = 0xc4
	opUtxoValue     = 0xc6
	opOutputValue   = 0xcc
	opOutputBytecode = 0xcd
)

// maxCSVBlocks bounds the relative timelocks so they always fit the
// BIP68 block-count field.
const maxCSVBlocks = 0xffff

// SwaplockParams are the template parameters of the Swaplock script.
type SwaplockParams struct {
	MiningFee     int64
	BobRecvScript []byte // locking bytecode paid by the claim branch
	AliceClaimPk  []byte // 33-byte key checked by the claim data signature
	Timelock1     uint32 // CSV blocks gating the refund branch
	RefundScript  []byte // locking bytecode the refund branch must pay
}

// RefundParams are the template parameters of the Refund script.
type RefundParams struct {
	MiningFee       int64
	AliceRecvScript []byte // locking bytecode paid by the recover branch
	BobRefundPk     []byte // key checked by the recover data signature
	Timelock2       uint32 // CSV blocks gating the seize branch
	BobRecvScript   []byte // locking bytecode paid by the seize branch
	BobClaimPk      []byte // key checked by the seize data signature
}

// BuildSwaplockScript assembles the Swaplock covenant:
//
//	OP_TXOUTPUTCOUNT OP_1 OP_NUMEQUALVERIFY
//	OP_INPUTINDEX OP_UTXOVALUE <fee> OP_SUB OP_0 OP_OUTPUTVALUE OP_NUMEQUALVERIFY
//	OP_IF
//	    OP_0 OP_OUTPUTBYTECODE <bobRecv> OP_EQUALVERIFY
//	    <sha256(bobRecv)> <aliceClaimPk> OP_CHECKDATASIG
//	OP_ELSE
//	    <T1> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    OP_0 OP_OUTPUTBYTECODE <refundScript> OP_EQUAL
//	OP_ENDIF
//
// Claim spends push the decrypted data signature; the covenant pins the
// single output to Bob's receiving script, so putting the signature on
// chain is the only way to move the funds before the timelock.
func BuildSwaplockScript(p *SwaplockParams) ([]byte, error) {
	if err := validateCommon(p.MiningFee, p.BobRecvScript); err != nil {
		return nil, err
	}
	if len(p.AliceClaimPk) != 33 {
		return nil, fmt.Errorf("claim pubkey must be 33 bytes, got %d", len(p.AliceClaimPk))
	}
	if p.Timelock1 == 0 || p.Timelock1 > maxCSVBlocks {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTimelock, p.Timelock1)
	}
	if len(p.RefundScript) == 0 {
		return nil, fmt.Errorf("refund locking bytecode cannot be empty")
	}

	msgHash := sha256.Sum256(p.BobRecvScript)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(opTxOutputCount)
	builder.AddOp(txscript.OP_1)
	builder.AddOp(txscript.OP_NUMEQUALVERIFY)

	builder.AddOp(opInputIndex)
	builder.AddOp(opUtxoValue)
	builder.AddInt64(p.MiningFee)
	builder.AddOp(txscript.OP_SUB)
	builder.AddOp(txscript.OP_0)
	builder.AddOp(opOutputValue)
	builder.AddOp(txscript.OP_NUMEQUALVERIFY)

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_0)
	builder.AddOp(opOutputBytecode)
	builder.AddData(p.BobRecvScript)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(msgHash[:])
	builder.AddData(p.AliceClaimPk)
	builder.AddOp(opCheckDataSig)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(p.Timelock1))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_0)
	builder.AddOp(opOutputBytecode)
	builder.AddData(p.RefundScript)
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// BuildRefundScript assembles the Refund covenant:
//
//	OP_TXOUTPUTCOUNT OP_1 OP_NUMEQUALVERIFY
//	OP_INPUTINDEX OP_UTXOVALUE <fee> OP_SUB OP_0 OP_OUTPUTVALUE OP_NUMEQUALVERIFY
//	OP_IF
//	    OP_0 OP_OUTPUTBYTECODE <aliceRecv> OP_EQUALVERIFY
//	    <sha256(aliceRecv)> <bobRefundPk> OP_CHECKDATASIG
//	OP_ELSE
//	    <T2> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    OP_0 OP_OUTPUTBYTECODE <bobRecv> OP_EQUALVERIFY
//	    <sha256(bobRecv)> <bobClaimPk> OP_CHECKDATASIG
//	OP_ENDIF
//
// The recover branch is the mirror of the Swaplock claim: Alice's
// broadcast completes Bob's refund pre-signature and thereby reveals
// her spend scalar. The seize branch opens T2 blocks after the Refund
// confirms.
func BuildRefundScript(p *RefundParams) ([]byte, error) {
	if err := validateCommon(p.MiningFee, p.AliceRecvScript); err != nil {
		return nil, err
	}
	if len(p.BobRefundPk) != 33 || len(p.BobClaimPk) != 33 {
		return nil, fmt.Errorf("data signature pubkeys must be 33 bytes")
	}
	if p.Timelock2 == 0 || p.Timelock2 > maxCSVBlocks {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTimelock, p.Timelock2)
	}
	if len(p.BobRecvScript) == 0 {
		return nil, fmt.Errorf("receiving script cannot be empty")
	}

	aliceMsg := sha256.Sum256(p.AliceRecvScript)
	bobMsg := sha256.Sum256(p.BobRecvScript)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(opTxOutputCount)
	builder.AddOp(txscript.OP_1)
	builder.AddOp(txscript.OP_NUMEQUALVERIFY)

	builder.AddOp(opInputIndex)
	builder.AddOp(opUtxoValue)
	builder.AddInt64(p.MiningFee)
	builder.AddOp(txscript.OP_SUB)
	builder.AddOp(txscript.OP_0)
	builder.AddOp(opOutputValue)
	builder.AddOp(txscript.OP_NUMEQUALVERIFY)

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_0)
	builder.AddOp(opOutputBytecode)
	builder.AddData(p.AliceRecvScript)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(aliceMsg[:])
	builder.AddData(p.BobRefundPk)
	builder.AddOp(opCheckDataSig)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(p.Timelock2))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_0)
	builder.AddOp(opOutputBytecode)
	builder.AddData(p.BobRecvScript)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(bobMsg[:])
	builder.AddData(p.BobClaimPk)
	builder.AddOp(opCheckDataSig)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

func validateCommon(fee int64, recv []byte) error {
	if fee <= 0 {
		return fmt.Errorf("mining fee must be positive, got %d", fee)
	}
	if len(recv) == 0 {
		return fmt.Errorf("receiving script cannot be empty")
	}
	return nil
}

// hash160 is RIPEMD160(SHA256(b)).
func hash160(b []byte) []byte {
	return btcutil.Hash160(b)
}

// P2SHLockingScript wraps a redeem script in the standard
// OP_HASH160 <hash160> OP_EQUAL locking form.
func P2SHLockingScript(redeem []byte) []byte {
	hash := hash160(redeem)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(hash)
	builder.AddOp(txscript.OP_EQUAL)
	script, _ := builder.Script()
	return script
}

// P2PKHLockingScript builds the standard pay-to-pubkey-hash locking
// script for a public key.
func P2PKHLockingScript(pub *btcec.PublicKey) []byte {
	hash := hash160(pub.SerializeCompressed())
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_DUP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(hash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)
	script, _ := builder.Script()
	return script
}

// CashAddress derives the cashaddr P2SH address of a redeem script.
func CashAddress(redeem []byte, params *chain.Params) (string, error) {
	return EncodeCashAddr(params.CashAddrPrefix, AddrTypeP2SH, hash160(redeem))
}

// =============================================================================
// Template recognition
// =============================================================================

// templateMarker stands in for every data push when a script is reduced
// to its skeleton, so the skeleton hash depends only on the opcode
// shape, not the parameter values.
const templateMarker = 0xfe

// skeletonHash reduces a script to opcode shape and hashes it.
func skeletonHash(script []byte) ([32]byte, error) {
	var zero [32]byte
	skeleton := make([]byte, 0, len(script))

	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		op := tokenizer.Opcode()
		// Parameter slots: data pushes of any width, including the
		// small-integer opcodes a low fee or timelock encodes to.
		// Structural opcodes (OP_0, OP_1 in the output-count check)
		// reduce the same way in the canonical template, so shapes
		// still compare exactly.
		if len(tokenizer.Data()) > 0 ||
			(op >= txscript.OP_DATA_1 && op <= txscript.OP_PUSHDATA4) ||
			(op >= txscript.OP_1 && op <= txscript.OP_16) {
			skeleton = append(skeleton, templateMarker)
			continue
		}
		skeleton = append(skeleton, op)
	}
	if tokenizer.Err() != nil {
		return zero, fmt.Errorf("%w: %v", ErrMalformedScript, tokenizer.Err())
	}

	return sha256.Sum256(skeleton), nil
}

// Recognized template skeleton hashes, computed once from the canonical
// builders. The same fixed templates are valid on every network; the
// per-network acceptance check additionally requires exact rebuild
// equality with network-local parameters.
var (
	swaplockTemplateHash [32]byte
	refundTemplateHash   [32]byte
)

func init() {
	// Placeholder parameters exercise every push slot of the templates.
	var pk [33]byte
	pk[0] = 0x02
	pk[32] = 0x01
	recv := make([]byte, 25)
	refundLock := make([]byte, 23)

	swaplock, err := BuildSwaplockScript(&SwaplockParams{
		MiningFee:     1000,
		BobRecvScript: recv,
		AliceClaimPk:  pk[:],
		Timelock1:     1000,
		RefundScript:  refundLock,
	})
	if err != nil {
		panic(fmt.Sprintf("swaplock template: %v", err))
	}
	if swaplockTemplateHash, err = skeletonHash(swaplock); err != nil {
		panic(fmt.Sprintf("swaplock template hash: %v", err))
	}

	refund, err := BuildRefundScript(&RefundParams{
		MiningFee:       1000,
		AliceRecvScript: recv,
		BobRefundPk:     pk[:],
		Timelock2:       1000,
		BobRecvScript:   recv,
		BobClaimPk:      pk[:],
	})
	if err != nil {
		panic(fmt.Sprintf("refund template: %v", err))
	}
	if refundTemplateHash, err = skeletonHash(refund); err != nil {
		panic(fmt.Sprintf("refund template hash: %v", err))
	}
}

// MatchSwaplockTemplate verifies that script is exactly the Swaplock
// template instantiated with the given parameters.
func MatchSwaplockTemplate(script []byte, p *SwaplockParams) error {
	hash, err := skeletonHash(script)
	if err != nil {
		return err
	}
	if hash != swaplockTemplateHash {
		return fmt.Errorf("%w: swaplock skeleton %s", ErrUnknownTemplate, helpers.BytesToHex(hash[:8]))
	}
	rebuilt, err := BuildSwaplockScript(p)
	if err != nil {
		return err
	}
	if !helpers.BytesEqual(script, rebuilt) {
		return fmt.Errorf("%w: swaplock parameters diverge", ErrUnknownTemplate)
	}
	return nil
}

// MatchRefundTemplate verifies that script is exactly the Refund
// template instantiated with the given parameters.
func MatchRefundTemplate(script []byte, p *RefundParams) error {
	hash, err := skeletonHash(script)
	if err != nil {
		return err
	}
	if hash != refundTemplateHash {
		return fmt.Errorf("%w: refund skeleton %s", ErrUnknownTemplate, helpers.BytesToHex(hash[:8]))
	}
	rebuilt, err := BuildRefundScript(p)
	if err != nil {
		return err
	}
	if !helpers.BytesEqual(script, rebuilt) {
		return fmt.Errorf("%w: refund parameters diverge", ErrUnknownTemplate)
	}
	return nil
}
