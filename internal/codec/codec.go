// Package codec defines the canonical wire encoding of the protocol
// messages. Encoding is JSON with a fixed field order (struct
// declaration order) and hex for every scalar, point, proof and
// pre-signature. Messages travel in a versioned envelope; anything
// structurally off - wrong version, unknown phase, malformed body - is
// rejected here before it reaches the state machine.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors
var (
	ErrMalformed    = errors.New("malformed message")
	ErrBadVersion   = errors.New("unsupported protocol version")
	ErrUnknownPhase = errors.New("unknown protocol phase")
)

// Version is the wire protocol version.
const Version = 1

// Phase labels the protocol message types M1..M5.
type Phase string

const (
	PhaseKeys1       Phase = "keys1"       // M1 Alice -> Bob
	PhaseKeys2       Phase = "keys2"       // M2 Bob -> Alice
	PhaseAdaptor     Phase = "adaptor"     // M3 Alice -> Bob
	PhaseLockProof   Phase = "lockproof"   // M4 Bob -> Alice
	PhaseClaimNotice Phase = "claimnotice" // M5 Bob -> Alice, optional
)

var knownPhases = map[Phase]bool{
	PhaseKeys1:       true,
	PhaseKeys2:       true,
	PhaseAdaptor:     true,
	PhaseLockProof:   true,
	PhaseClaimNotice: true,
}

// Envelope wraps every message.
type Envelope struct {
	V       int             `json:"v"`
	TradeID string          `json:"tradeId"`
	Phase   Phase           `json:"phase"`
	Body    json.RawMessage `json:"body"`
}

// M1 carries Alice's public key bundle and the trade terms.
type M1 struct {
	ASpendSecp string `json:"a_spend_secp"` // 33-byte compressed point, hex
	ASpendEd   string `json:"a_spend_ed"`   // 32-byte point, hex
	AView      string `json:"a_view"`       // 32-byte view key half, hex little-endian
	RefundPk   string `json:"refund_pk"`    // 33-byte key, hex
	ClaimPk    string `json:"claim_pk"`     // 33-byte key, hex
	Dleq       string `json:"dleq"`         // cross-group proof, hex
	BchRecv    string `json:"bch_recv"`     // Alice's receiving locking bytecode, hex

	BchAmount uint64 `json:"bch_amount"` // satoshi
	XmrAmount uint64 `json:"xmr_amount"` // piconero
	Timelock1 uint32 `json:"timelock_1"`
	Timelock2 uint32 `json:"timelock_2"`
}

// M2 carries Bob's bundle plus the two pre-signatures Alice requires
// before she may fund.
type M2 struct {
	BSpendSecp string `json:"b_spend_secp"`
	BSpendEd   string `json:"b_spend_ed"`
	BView      string `json:"b_view"`
	RefundPk   string `json:"refund_pk"`
	ClaimPk    string `json:"claim_pk"`
	Dleq       string `json:"dleq"`
	BchRecv    string `json:"bch_recv"`

	VesRefundPresig string `json:"ves_refund_presig"`
	VesSeizePresig  string `json:"ves_seize_presig"`
}

// M3 carries Alice's claim pre-signature and the funding txid.
type M3 struct {
	VesClaimPresig string `json:"ves_claim_presig"`
	SwaplockTxid   string `json:"swaplock_txid"`
}

// M4 is Bob's proof that the XMR lock is in flight.
type M4 struct {
	XmrTxid   string `json:"xmr_txid"`
	ConfsSeen uint64 `json:"confs_seen"`
}

// M5 is the optional claim notice.
type M5 struct {
	ClaimTxid string `json:"claim_txid"`
}

// phaseBody returns a fresh body struct for a phase.
func phaseBody(phase Phase) (interface{}, bool) {
	switch phase {
	case PhaseKeys1:
		return &M1{}, true
	case PhaseKeys2:
		return &M2{}, true
	case PhaseAdaptor:
		return &M3{}, true
	case PhaseLockProof:
		return &M4{}, true
	case PhaseClaimNotice:
		return &M5{}, true
	}
	return nil, false
}

// Encode wraps a message body in the canonical envelope.
func Encode(tradeID string, phase Phase, body interface{}) ([]byte, error) {
	if !knownPhases[phase] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPhase, phase)
	}

	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return json.Marshal(&Envelope{
		V:       Version,
		TradeID: tradeID,
		Phase:   phase,
		Body:    rawBody,
	})
}

// Decode parses and validates an envelope. The body is validated
// structurally for the declared phase; unknown fields are rejected.
func Decode(data []byte) (*Envelope, interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, nil, fmt.Errorf("%w: trailing data", ErrMalformed)
	}

	if env.V != Version {
		return nil, nil, fmt.Errorf("%w: v%d", ErrBadVersion, env.V)
	}
	if env.TradeID == "" {
		return nil, nil, fmt.Errorf("%w: missing trade id", ErrMalformed)
	}

	body, ok := phaseBody(env.Phase)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownPhase, env.Phase)
	}

	bodyDec := json.NewDecoder(bytes.NewReader(env.Body))
	bodyDec.DisallowUnknownFields()
	if err := bodyDec.Decode(body); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &env, body, nil
}
