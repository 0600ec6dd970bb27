package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type identityFile struct {
	Pub  string `json:"pub"`
	Priv string `json:"priv"`
}

// loadOrCreateIdentity keeps the node's keypair across runs so its
// overlay id stays stable.
func loadOrCreateIdentity(path string) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var f identityFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("identity decode: %w", err)
		}
		pub, err1 := hex.DecodeString(f.Pub)
		priv, err2 := hex.DecodeString(f.Priv)
		if err1 != nil || err2 != nil || len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
			return nil, nil, fmt.Errorf("identity file %s is corrupt", path)
		}
		return pub, priv, nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	data, err := json.MarshalIndent(identityFile{
		Pub:  hex.EncodeToString(pub),
		Priv: hex.EncodeToString(priv),
	}, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}
