package bridge

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical messages always
// produce identical bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so either side may add fields.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("bridge: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("bridge: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the wire format of every helper reply.
type envelope struct {
	OK      bool            `cbor:"ok"`
	Code    Code            `cbor:"code,omitempty"`
	Error   string          `cbor:"error,omitempty"`
	Data    cbor.RawMessage `cbor:"data,omitempty"`
	Request string          `cbor:"request,omitempty"`
}

func marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

func unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }
