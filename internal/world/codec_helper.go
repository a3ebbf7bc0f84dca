package world

import "agent-world/internal/codec"

func cborMarshal(v interface{}) ([]byte, error) {
	return codec.MarshalCanonical(v)
}

func cborUnmarshal(b []byte, v interface{}) error {
	return codec.UnmarshalCanonical(b, v)
}
