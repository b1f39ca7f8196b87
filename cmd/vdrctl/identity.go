package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"

	"github.com/synledger/vdrpool/poolerr"
)

// loadOrCreateIdentity reads a hex-encoded ed25519 seed from path. If path
// does not exist yet, it generates a new seed and writes it there; if path
// is empty, it generates a key without persisting it.
func loadOrCreateIdentity(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, poolerr.Wrap(poolerr.Resource, err)
		}
		return priv, nil
	}

	if data, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(trimNewline(data)))
		if err != nil {
			return nil, poolerr.Wrap(poolerr.Config, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, poolerr.New(poolerr.Config, "identity seed file has wrong length")
		}
		return ed25519.NewKeyFromSeed(seed), nil
	} else if !os.IsNotExist(err) {
		return nil, poolerr.Wrap(poolerr.FileSystem, err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.Resource, err)
	}
	seed := priv.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)+"\n"), 0o600); err != nil {
		return nil, poolerr.Wrap(poolerr.FileSystem, err)
	}
	return priv, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
