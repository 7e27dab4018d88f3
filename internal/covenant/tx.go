package covenant

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Transaction errors
var (
	ErrNoDataSig      = errors.New("no data signature in unlocking script")
	ErrUnknownSpend   = errors.New("transaction does not spend a trade covenant")
	ErrInvalidOutputs = errors.New("unexpected transaction outputs")
)

// SpendType classifies a confirmed spend of one of the two covenants.
type SpendType string

const (
	SpendClaim   SpendType = "claim"   // Swaplock -> Bob, reveals the claim signature
	SpendRefund  SpendType = "refund"  // Swaplock -> Refund covenant, keyless
	SpendRecover SpendType = "recover" // Refund -> Alice, reveals the refund signature
	SpendSeize   SpendType = "seize"   // Refund -> Bob, after T2
)

// All protocol transactions are fixed-form: version 2, locktime 0, one
// input, one output. Given the same contract pair and outpoint, both
// parties produce byte-identical transactions.
const txVersion = 2

// Outpoint identifies the UTXO a covenant transaction spends.
type Outpoint struct {
	TxID string
	Vout uint32
}

func (o Outpoint) wire() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(o.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", o.TxID, err)
	}
	return wire.NewOutPoint(hash, o.Vout), nil
}

func buildSpend(prev Outpoint, sequence uint32, scriptSig []byte, value int64, locking []byte) (*wire.MsgTx, error) {
	outpoint, err := prev.wire()
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(txVersion)
	txIn := wire.NewTxIn(outpoint, scriptSig, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(value, locking))
	return tx, nil
}

// BuildClaimTx spends the Swaplock claim branch with a decrypted data
// signature, paying Bob's receiving script. Broadcast by Bob; the
// signature it carries is what Alice recovers b_spend from.
func BuildClaimTx(c *ContractPair, prev Outpoint, dataSig []byte) (*wire.MsgTx, error) {
	if len(dataSig) == 0 {
		return nil, ErrNoDataSig
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(dataSig)
	builder.AddOp(txscript.OP_1)
	builder.AddData(c.SwaplockScript)
	scriptSig, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return buildSpend(prev, wire.MaxTxInSequenceNum, scriptSig,
		c.Amount-c.MiningFee, c.Swaplock.BobRecvScript)
}

// BuildRefundTx spends the Swaplock refund branch into the Refund
// covenant. Keyless: any party may broadcast it once T1 blocks have
// passed since the Swaplock confirmed.
func BuildRefundTx(c *ContractPair, prev Outpoint) (*wire.MsgTx, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(c.SwaplockScript)
	scriptSig, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return buildSpend(prev, c.Swaplock.Timelock1, scriptSig,
		c.Amount-c.MiningFee, c.RefundLocking)
}

// BuildRecoverTx spends the Refund recover branch with the decrypted
// refund data signature, paying Alice's receiving script. Broadcast by
// Alice; the signature it carries is what Bob recovers a_spend from.
func BuildRecoverTx(c *ContractPair, prev Outpoint, dataSig []byte) (*wire.MsgTx, error) {
	if len(dataSig) == 0 {
		return nil, ErrNoDataSig
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(dataSig)
	builder.AddOp(txscript.OP_1)
	builder.AddData(c.RefundScript)
	scriptSig, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return buildSpend(prev, wire.MaxTxInSequenceNum, scriptSig,
		c.RefundValue()-c.MiningFee, c.Refund.AliceRecvScript)
}

// BuildSeizeTx spends the Refund seize branch after T2, paying Bob's
// receiving script.
func BuildSeizeTx(c *ContractPair, prev Outpoint, dataSig []byte) (*wire.MsgTx, error) {
	if len(dataSig) == 0 {
		return nil, ErrNoDataSig
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(dataSig)
	builder.AddOp(txscript.OP_0)
	builder.AddData(c.RefundScript)
	scriptSig, err := builder.Script()
	if err != nil {
		return nil, err
	}

	return buildSpend(prev, c.Refund.Timelock2, scriptSig,
		c.RefundValue()-c.MiningFee, c.Refund.BobRecvScript)
}

// ClassifySpend inspects a confirmed transaction and reports which
// covenant branch it executed, if any. The data signature is returned
// for the branches that carry one.
func (c *ContractPair) ClassifySpend(tx *wire.MsgTx) (SpendType, []byte, error) {
	if len(tx.TxIn) == 0 {
		return "", nil, ErrUnknownSpend
	}

	pushes, err := scriptSigPushes(tx.TxIn[0].SignatureScript)
	if err != nil || len(pushes) == 0 {
		return "", nil, ErrUnknownSpend
	}
	redeem := pushes[len(pushes)-1]

	switch {
	case bytes.Equal(redeem, c.SwaplockScript):
		if len(pushes) == 3 && len(pushes[1]) == 1 && pushes[1][0] == 1 {
			return SpendClaim, pushes[0], nil
		}
		if len(pushes) == 2 && len(pushes[0]) == 0 {
			return SpendRefund, nil, nil
		}
	case bytes.Equal(redeem, c.RefundScript):
		if len(pushes) == 3 && len(pushes[1]) == 1 && pushes[1][0] == 1 {
			return SpendRecover, pushes[0], nil
		}
		if len(pushes) == 3 && len(pushes[1]) == 0 {
			return SpendSeize, pushes[0], nil
		}
	}

	return "", nil, ErrUnknownSpend
}

// scriptSigPushes tokenizes an unlocking script into its pushed
// operands. Small-int opcodes are normalized to their byte value.
func scriptSigPushes(script []byte) ([][]byte, error) {
	var pushes [][]byte
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	for tokenizer.Next() {
		op := tokenizer.Opcode()
		switch {
		case op == txscript.OP_0:
			pushes = append(pushes, []byte{})
		case op >= txscript.OP_1 && op <= txscript.OP_16:
			pushes = append(pushes, []byte{op - txscript.OP_1 + 1})
		case tokenizer.Data() != nil:
			pushes = append(pushes, tokenizer.Data())
		default:
			return nil, fmt.Errorf("%w: non-push opcode %d", ErrMalformedScript, op)
		}
	}
	if tokenizer.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedScript, tokenizer.Err())
	}
	return pushes, nil
}

// =============================================================================
// Forward sweeps and funding
// =============================================================================

// SpendableOutput is a P2PKH output owned by the local wallet.
type SpendableOutput struct {
	Outpoint Outpoint
	Value    int64
	Locking  []byte
}

// BuildForwardTx sweeps a single P2PKH output to a destination locking
// script. Used for the terminal forwards out of the claim, recover and
// seize outputs.
func BuildForwardTx(prev SpendableOutput, dest []byte, feePerByte int64, key *btcec.PrivateKey) (*wire.MsgTx, error) {
	// A one-input one-output P2PKH spend is a fixed 192 bytes at the
	// upper bound; the floor fee policy prices exactly that.
	const p2pkhSpendSize = 192
	fee := feePerByte * p2pkhSpendSize
	if prev.Value <= fee {
		return nil, fmt.Errorf("output value %d cannot cover fee %d", prev.Value, fee)
	}

	tx, err := buildSpend(prev.Outpoint, wire.MaxTxInSequenceNum, nil, prev.Value-fee, dest)
	if err != nil {
		return nil, err
	}

	digest, err := SigHash(tx, 0, prev.Locking, prev.Value)
	if err != nil {
		return nil, err
	}

	sig, err := signDigest(key, digest)
	if err != nil {
		return nil, err
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(append(sig, byte(sigHashAllForkID)))
	builder.AddData(key.PubKey().SerializeCompressed())
	scriptSig, err := builder.Script()
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = scriptSig
	return tx, nil
}

// BuildFundingTx builds and signs the transaction funding the Swaplock
// output from the wallet's P2PKH UTXOs. Change is paid back to the
// change script when above dust.
func BuildFundingTx(c *ContractPair, inputs []SpendableOutput, change []byte, feePerByte int64, key *btcec.PrivateKey) (*wire.MsgTx, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs to fund from")
	}

	const dustLimit = 546
	// Input ~148 bytes, output ~34, overhead ~10.
	size := int64(10 + len(inputs)*148 + 2*34)
	fee := feePerByte * size

	var total int64
	tx := wire.NewMsgTx(txVersion)
	for _, in := range inputs {
		outpoint, err := in.Outpoint.wire()
		if err != nil {
			return nil, err
		}
		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(txIn)
		total += in.Value
	}

	needed := c.Amount + fee
	if total < needed {
		return nil, fmt.Errorf("insufficient funds: need %d, have %d", needed, total)
	}

	tx.AddTxOut(wire.NewTxOut(c.Amount, c.SwaplockLocking))
	if changeValue := total - needed; changeValue > dustLimit {
		tx.AddTxOut(wire.NewTxOut(changeValue, change))
	}

	for i, in := range inputs {
		digest, err := SigHash(tx, i, in.Locking, in.Value)
		if err != nil {
			return nil, err
		}
		sig, err := signDigest(key, digest)
		if err != nil {
			return nil, err
		}
		builder := txscript.NewScriptBuilder()
		builder.AddData(append(sig, byte(sigHashAllForkID)))
		builder.AddData(key.PubKey().SerializeCompressed())
		scriptSig, err := builder.Script()
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].SignatureScript = scriptSig
	}

	return tx, nil
}

// signDigest produces a DER-encoded low-s ECDSA signature over a
// 32-byte digest with the RFC6979 deterministic nonce, so signing the
// same transaction twice yields identical bytes.
func signDigest(key *btcec.PrivateKey, digest [32]byte) ([]byte, error) {
	return btcecdsa.Sign(key, digest[:]).Serialize(), nil
}

// SerializeTx returns the canonical wire encoding of a transaction.
func SerializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeTx decodes a transaction from its wire encoding.
func DeserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(txVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// TxID returns the display (reversed-hex) id of a transaction.
func TxID(tx *wire.MsgTx) string {
	return tx.TxHash().String()
}
