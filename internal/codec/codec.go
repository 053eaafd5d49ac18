package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/sha3"
)

// wireMutation is the on-the-wire shape: Body is kept as a raw CBOR item
// until Action tells us how to decode it into a concrete variant struct.
type wireMutation struct {
	Nonce  uint64          `cbor:"nonce"`
	Action Action          `cbor:"action"`
	Body   cbor.RawMessage `cbor:"body"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOpts := cbor.CanonicalEncOptions()
	var err error
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build canonical enc mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: build dec mode: %v", err))
	}
}

// Encode canonically serializes a mutation to payload bytes. Given two
// equivalent Mutation values, the output is byte-identical.
func Encode(m Mutation) ([]byte, error) {
	body, err := encMode.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal body: %w", err)
	}
	wire := wireMutation{Nonce: m.Nonce, Action: m.Action, Body: body}
	out, err := encMode.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}
	return out, nil
}

// Decode parses payload bytes into a Mutation, rejecting unknown fields and
// any action-specific body that does not match the declared Action.
func Decode(payload []byte) (Mutation, error) {
	var wire wireMutation
	if err := decMode.Unmarshal(payload, &wire); err != nil {
		return Mutation{}, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}

	body, err := decodeBody(wire.Action, wire.Body)
	if err != nil {
		return Mutation{}, err
	}

	return Mutation{Nonce: wire.Nonce, Action: wire.Action, Body: body}, nil
}

func decodeBody(action Action, raw cbor.RawMessage) (any, error) {
	var body any
	switch action {
	case ActionCreateDocDB:
		body = new(CreateDocDB)
	case ActionCreateEventDB:
		body = new(CreateEventDB)
	case ActionAddCollection:
		body = new(AddCollection)
	case ActionAddDocument:
		body = new(AddDocument)
	case ActionUpdateDocument:
		body = new(UpdateDocument)
	case ActionDeleteDocument:
		body = new(DeleteDocument)
	case ActionAddIndex:
		body = new(AddIndex)
	default:
		return nil, fmt.Errorf("codec: unknown action %d", action)
	}

	if err := decMode.Unmarshal(raw, body); err != nil {
		return nil, fmt.Errorf("codec: unmarshal %s body: %w", action, err)
	}

	switch v := body.(type) {
	case *CreateDocDB:
		return *v, nil
	case *CreateEventDB:
		return *v, nil
	case *AddCollection:
		return *v, nil
	case *AddDocument:
		return *v, nil
	case *UpdateDocument:
		return *v, nil
	case *DeleteDocument:
		return *v, nil
	case *AddIndex:
		return *v, nil
	default:
		return nil, fmt.Errorf("codec: unreachable action %d", action)
	}
}

// ContentID computes the 32-byte content id of a mutation's payload bytes:
// a hash of the payload, not of the signed envelope, so that replays via
// re-signing are detectable.
func ContentID(payload []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
