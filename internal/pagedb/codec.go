package pagedb

import "encoding/json"

// Codec converts records to and from their stored byte form.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// CodecFuncs returns a Codec backed by the two functions.
func CodecFuncs[T any](encode func(T) ([]byte, error), decode func([]byte) (T, error)) Codec[T] {
	return &funcCodec[T]{encode: encode, decode: decode}
}

// JSONCodec returns a Codec storing records as JSON documents.
func JSONCodec[T any]() Codec[T] {
	return jsonCodec[T]{}
}

// BytesCodec returns a Codec storing byte slices verbatim.
func BytesCodec() Codec[[]byte] {
	return bytesCodec{}
}

type funcCodec[T any] struct {
	encode func(T) ([]byte, error)
	decode func([]byte) (T, error)
}

func (c *funcCodec[T]) Encode(v T) ([]byte, error) {
	return c.encode(v)
}

func (c *funcCodec[T]) Decode(data []byte) (T, error) {
	return c.decode(data)
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

type bytesCodec struct{}

func (bytesCodec) Encode(v []byte) ([]byte, error) {
	return v, nil
}

// Decode returns data itself; the page store allocates a fresh buffer per read.
func (bytesCodec) Decode(data []byte) ([]byte, error) {
	return data, nil
}
