package cryptox

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestHashPassword_Deterministic(t *testing.T) {
	password := []byte("secret-password")
	salt := []byte("fixed-salt")

	key1 := HashPassword(password, salt)
	key2 := HashPassword(password, salt)

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same result for same inputs, got different")
	}

	expectedHex := "34f7a1c64df63ab1ad5b5ee06e64db5713b35f81839823304db63e8e5e6a6a39"
	if hex.EncodeToString(key1) != expectedHex {
		t.Errorf("expected %s, got %s", expectedHex, hex.EncodeToString(key1))
	}
}

func TestHashPassword_DifferentSalts(t *testing.T) {
	password := []byte("secret-password")

	if bytes.Equal(HashPassword(password, []byte("salt-1")), HashPassword(password, []byte("salt-2"))) {
		t.Errorf("expected different results for different salts, got same")
	}
}

func TestVerifyPassword(t *testing.T) {
	salt := NewSalt()
	if len(salt) != SaltLen {
		t.Fatalf("salt length %d", len(salt))
	}
	hash := HashPassword([]byte("hunter22"), salt)

	if !VerifyPassword([]byte("hunter22"), salt, hash) {
		t.Errorf("correct password rejected")
	}
	if VerifyPassword([]byte("hunter23"), salt, hash) {
		t.Errorf("wrong password accepted")
	}
	if VerifyPassword([]byte("hunter22"), NewSalt(), hash) {
		t.Errorf("wrong salt accepted")
	}
}
