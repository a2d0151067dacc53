package cache

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts values to and from the bytes stored in the persistent tier.
type Codec[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// MsgpackCodec encodes values with msgpack. It is the default codec.
type MsgpackCodec[T any] struct{}

func (MsgpackCodec[T]) Marshal(v T) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "cache: failed to marshal value")
	}
	return data, nil
}

func (MsgpackCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, errors.Wrap(err, "cache: failed to unmarshal value")
	}
	return v, nil
}

// JSONCodec encodes values as JSON, for stores shared with non-Go readers.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Marshal(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "cache: failed to marshal value")
	}
	return data, nil
}

func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		var zero T
		return zero, errors.Wrap(err, "cache: failed to unmarshal value")
	}
	return v, nil
}
