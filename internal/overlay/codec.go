// Package overlay reads and writes the container appended to a launcher
// binary: a CBOR header, length-prefixed entries and a fixed-size footer.
package overlay

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical descriptors always
// produce identical header bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so newer writers stay readable.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("overlay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 16,
	}.DecMode()
	if err != nil {
		panic("overlay: CBOR decoder initialization failed: " + err.Error())
	}
}

func marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
