// Package identity manages the server's long-lived key pair and the
// short-lived per-process node id used to distinguish restarts in the ring.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Identity is the server's stable identity plus a fresh node id minted
// each process start.
type Identity struct {
	ServerID   string `json:"server_id"` // base64 public key, stable across restarts
	PrivateKey string `json:"private_key"`
	NodeID     string `json:"node_id"` // random per-process, distinguishes restarts in the ring
}

type onDisk struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// LoadOrCreate reads the key pair at path, generating and persisting a new
// one if the file does not exist yet.
func LoadOrCreate(path string) (Identity, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		var rec onDisk
		if uerr := json.Unmarshal(b, &rec); uerr != nil {
			return Identity{}, fmt.Errorf("parse identity file: %w", uerr)
		}
		return Identity{
			ServerID:   rec.PublicKey,
			PrivateKey: rec.PrivateKey,
			NodeID:     newNodeID(),
		}, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, fmt.Errorf("read identity file: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate key pair: %w", err)
	}
	rec := onDisk{
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(priv),
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Identity{}, fmt.Errorf("create identity dir: %w", err)
		}
	}
	out, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return Identity{}, err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return Identity{}, fmt.Errorf("write identity file: %w", err)
	}
	return Identity{
		ServerID:   rec.PublicKey,
		PrivateKey: rec.PrivateKey,
		NodeID:     newNodeID(),
	}, nil
}

func newNodeID() string {
	return uuid.NewString()
}

// Metadata is the public-facing description of a server (§3: "server
// metadata"): identity, endpoint URL and optional region tag.
type Metadata struct {
	ServerID string `json:"server_id"`
	Endpoint string `json:"endpoint"`
	Region   string `json:"region,omitempty"`
}
