package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FromHex parses a hex-encoded ed25519 seed (32 bytes) or full private key (64 bytes).
func FromHex(raw string) (ed25519.PrivateKey, error) {
	bytes, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	switch len(bytes) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(bytes), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(bytes), nil
	}
	return nil, errors.New("invalid signing key length")
}

// LoadOrCreate reads the node signing seed stored at path. A missing file is
// created with a fresh key so a node keeps its identity across restarts.
func LoadOrCreate(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return FromHex(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}

// PublicKey returns the base64 public half, the form trusted-key lists use.
func PublicKey(priv ed25519.PrivateKey) string {
	pub, _ := priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}
