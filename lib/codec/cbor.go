// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	if encMode, err = encOptions.EncMode(); err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
		// State snapshots for large rooms hold hundreds of thousands
		// of entries.
		MaxArrayElements: 16 * 1024 * 1024,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// RawMessage is an encoded CBOR value whose decoding is deferred.
type RawMessage = cbor.RawMessage

// NewEncoder returns a streaming encoder with the deterministic mode.
func NewEncoder(w io.Writer) *cbor.Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a streaming decoder.
func NewDecoder(r io.Reader) *cbor.Decoder { return decMode.NewDecoder(r) }
