package crypto

import "testing"

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	payload := []byte("a message the node signs")
	sig := kp.Sign(payload)
	if !VerifyEd25519Hex(kp.PublicHex(), payload, sig) {
		t.Fatalf("valid signature did not verify")
	}
	if VerifyEd25519Hex(kp.PublicHex(), []byte("a different message"), sig) {
		t.Fatalf("signature verified against a tampered payload")
	}
}

func TestKeyPairFromSeedHexIsDeterministic(t *testing.T) {
	kp1, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	seed := kp1.SeedHex()
	kp2, err := KeyPairFromSeedHex(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if kp1.PublicHex() != kp2.PublicHex() {
		t.Fatalf("reconstructed keypair has a different public key")
	}
}

func TestVerifyEd25519HexRejectsMalformedKey(t *testing.T) {
	if VerifyEd25519Hex("not-hex", []byte("x"), []byte("y")) {
		t.Fatalf("malformed public key hex should never verify")
	}
}

func TestHMACSHA256RoundTrip(t *testing.T) {
	key := []byte("shared-secret")
	payload := []byte("payload")
	tag := HMACSHA256(key, payload)
	if !VerifyHMACSHA256(key, payload, tag) {
		t.Fatalf("valid HMAC tag did not verify")
	}
	if VerifyHMACSHA256(key, []byte("other payload"), tag) {
		t.Fatalf("HMAC tag verified against a different payload")
	}
}

func TestBLAKE3HexIsStableAndContentSensitive(t *testing.T) {
	h1 := BLAKE3Hex([]byte("hello"))
	h2 := BLAKE3Hex([]byte("hello"))
	h3 := BLAKE3Hex([]byte("hello!"))
	if h1 != h2 {
		t.Fatalf("BLAKE3Hex is not stable for identical input")
	}
	if h1 == h3 {
		t.Fatalf("BLAKE3Hex collided for different input")
	}
}

func TestSHA256HexMatchesKnownDigest(t *testing.T) {
	// sha256("") = e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855
	got := SHA256Hex(nil)
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Fatalf("SHA256Hex(nil) = %s, want %s", got, want)
	}
}
