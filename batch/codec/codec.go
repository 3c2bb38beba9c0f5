// Package codec holds the serializers used for batch parts and protocol
// messages. Every codec also satisfies grpc's encoding.Codec.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

// ErrUnknownCodec is returned for an unknown codec name.
var ErrUnknownCodec = errors.New("unknown codec")

// Codec marshals and unmarshals messages.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns the codec with the given name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", JSON.Name():
		return JSON, nil
	case BSON.Name():
		return BSON, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// JSON decodes numbers as json.Number so integers keep full precision.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func (jsonCodec) Name() string { return "json" }

// BSON decodes binary values held in interface fields as []byte.
var BSON Codec = newBSONCodec()

type bsonCodec struct {
	registry *bsoncodec.Registry
}

func newBSONCodec() bsonCodec {
	rb := bson.NewRegistryBuilder()
	rb.RegisterTypeMapEntry(bsontype.Binary, reflect.TypeOf([]byte{}))
	return bsonCodec{registry: rb.Build()}
}

func (c bsonCodec) Marshal(v any) ([]byte, error) {
	return bson.MarshalWithRegistry(c.registry, v)
}

func (c bsonCodec) Unmarshal(data []byte, v any) error {
	return bson.UnmarshalWithRegistry(c.registry, data, v)
}

func (bsonCodec) Name() string { return "bson" }
