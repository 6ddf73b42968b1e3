package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes events for external transports.
type Codec interface {
	Name() string
	Marshal(ev Event) ([]byte, error)
	Unmarshal(b []byte, ev *Event) error
}

func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return jsonCodec{}, nil
	case "msgpack":
		return msgpackCodec{}, nil
	case "cbor":
		return cborCodec{}, nil
	}
	return nil, fmt.Errorf("unknown event codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string                        { return "json" }
func (jsonCodec) Marshal(ev Event) ([]byte, error)    { return json.Marshal(ev) }
func (jsonCodec) Unmarshal(b []byte, ev *Event) error { return json.Unmarshal(b, ev) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                        { return "msgpack" }
func (msgpackCodec) Marshal(ev Event) ([]byte, error)    { return msgpack.Marshal(ev) }
func (msgpackCodec) Unmarshal(b []byte, ev *Event) error { return msgpack.Unmarshal(b, ev) }

// Core deterministic CBOR with RFC 3339 timestamps; any-typed maps decode as
// map[string]any.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("events: cbor encoder: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("events: cbor decoder: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string                        { return "cbor" }
func (cborCodec) Marshal(ev Event) ([]byte, error)    { return cborEnc.Marshal(ev) }
func (cborCodec) Unmarshal(b []byte, ev *Event) error { return cborDec.Unmarshal(b, ev) }
