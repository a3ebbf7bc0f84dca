package codec

import "testing"

type sample struct {
	B string `cbor:"b"`
	A int    `cbor:"a"`
}

func TestMarshalCanonicalIsDeterministic(t *testing.T) {
	v := sample{A: 1, B: "x"}
	b1, err := MarshalCanonical(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b2, err := MarshalCanonical(v)
	if err != nil {
		t.Fatalf("marshal again: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("encoding is not deterministic across calls")
	}
}

func TestMarshalCanonicalSortsMapKeys(t *testing.T) {
	m1 := map[string]int{"z": 1, "a": 2, "m": 3}
	m2 := map[string]int{"a": 2, "m": 3, "z": 1}
	b1, err := MarshalCanonical(m1)
	if err != nil {
		t.Fatalf("marshal m1: %v", err)
	}
	b2, err := MarshalCanonical(m2)
	if err != nil {
		t.Fatalf("marshal m2: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("maps built in different insertion orders did not canonicalize to the same bytes")
	}
}

func TestRoundTrip(t *testing.T) {
	v := sample{A: 42, B: "hello"}
	b, err := MarshalCanonical(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out sample
	if err := UnmarshalCanonical(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != v {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, v)
	}
}
