package secretcrypto

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ct, err := Encrypt("k1", []byte("hunter2"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := Decrypt("k1", ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "hunter2" {
		t.Fatalf("plaintext = %q, want %q", pt, "hunter2")
	}
}

func TestEncryptIsDeterministic(t *testing.T) {
	a, err := Encrypt("k1", []byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt("k1", []byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a != b {
		t.Fatalf("Encrypt(same key, same plaintext) produced different ciphertexts: %q vs %q", a, b)
	}
}

func TestEncryptDiffersByKey(t *testing.T) {
	a, _ := Encrypt("k1", []byte("payload"))
	b, _ := Encrypt("k2", []byte("payload"))
	if a == b {
		t.Fatalf("expected different ciphertexts under different keys")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	ct, err := Encrypt("k1", []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt("k2", ct); err == nil {
		t.Fatalf("expected decryption under the wrong key to fail")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	ct, err := Encrypt("k1", []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tampered := ct[:len(ct)-1] + "_"
	if _, err := Decrypt("k1", tampered); err == nil {
		t.Fatalf("expected decryption of tampered ciphertext to fail")
	}
}
