package covenant

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Bitcoin Cash signs every input with the BIP143-style digest and the
// FORKID flag; legacy sighash no longer exists on the network.
const sigHashAllForkID = 0x41

// SigHash computes the signature digest for input idx of tx, spending
// an output with the given locking script and value, under
// SIGHASH_ALL|FORKID.
func SigHash(tx *wire.MsgTx, idx int, prevScript []byte, prevValue int64) ([32]byte, error) {
	var zero [32]byte
	if idx < 0 || idx >= len(tx.TxIn) {
		return zero, fmt.Errorf("input index %d out of range", idx)
	}

	var buf bytes.Buffer

	// nVersion
	binary.Write(&buf, binary.LittleEndian, tx.Version)

	// hashPrevouts
	var prevouts bytes.Buffer
	for _, in := range tx.TxIn {
		prevouts.Write(in.PreviousOutPoint.Hash[:])
		binary.Write(&prevouts, binary.LittleEndian, in.PreviousOutPoint.Index)
	}
	hashPrevouts := doubleSHA256(prevouts.Bytes())
	buf.Write(hashPrevouts[:])

	// hashSequence
	var sequences bytes.Buffer
	for _, in := range tx.TxIn {
		binary.Write(&sequences, binary.LittleEndian, in.Sequence)
	}
	hashSequence := doubleSHA256(sequences.Bytes())
	buf.Write(hashSequence[:])

	// outpoint
	in := tx.TxIn[idx]
	buf.Write(in.PreviousOutPoint.Hash[:])
	binary.Write(&buf, binary.LittleEndian, in.PreviousOutPoint.Index)

	// scriptCode
	if err := wire.WriteVarBytes(&buf, 0, prevScript); err != nil {
		return zero, err
	}

	// value and nSequence
	binary.Write(&buf, binary.LittleEndian, prevValue)
	binary.Write(&buf, binary.LittleEndian, in.Sequence)

	// hashOutputs
	var outputs bytes.Buffer
	for _, out := range tx.TxOut {
		binary.Write(&outputs, binary.LittleEndian, out.Value)
		if err := wire.WriteVarBytes(&outputs, 0, out.PkScript); err != nil {
			return zero, err
		}
	}
	hashOutputs := doubleSHA256(outputs.Bytes())
	buf.Write(hashOutputs[:])

	// nLocktime and sighash type
	binary.Write(&buf, binary.LittleEndian, tx.LockTime)
	binary.Write(&buf, binary.LittleEndian, uint32(sigHashAllForkID))

	return doubleSHA256(buf.Bytes()), nil
}

func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}
