package config

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Identity is the persisted agentId/authToken pair (§6.3), stored in a
// separate `config` file (mode 0600) so the long-lived bearer credential
// never ends up alongside the human-editable config.yaml.
type Identity struct {
	AgentID   string `json:"agentId"`
	AuthToken string `json:"authToken"`
}

// IdentityPath returns the path to the persisted Identity file.
func IdentityPath(homeDir string) string {
	return filepath.Join(homeDir, "config")
}

// LoadOrCreateIdentity reads the persisted Identity from homeDir, generating
// and persisting a fresh one if none exists. The bool return reports whether
// a new identity was minted (the caller should print a pairing URL in that
// case).
func LoadOrCreateIdentity(homeDir string) (Identity, bool, error) {
	path := IdentityPath(homeDir)
	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if jsonErr := json.Unmarshal(data, &id); jsonErr != nil {
			return Identity{}, false, fmt.Errorf("parse identity: %w", jsonErr)
		}
		return id, false, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, false, fmt.Errorf("read identity: %w", err)
	}

	id, err := newIdentity()
	if err != nil {
		return Identity{}, false, fmt.Errorf("generate identity: %w", err)
	}
	out, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return Identity{}, false, fmt.Errorf("marshal identity: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return Identity{}, false, fmt.Errorf("write identity: %w", err)
	}
	return id, true, nil
}

// newIdentity mints a fresh agentId (UUID v4) and authToken (32 random bytes,
// URL-safe base64, unpadded), using crypto/rand rather than a PRNG since the
// token is a long-lived bearer credential.
func newIdentity() (Identity, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return Identity{}, fmt.Errorf("read random bytes: %w", err)
	}
	return Identity{
		AgentID:   uuid.NewString(),
		AuthToken: base64.RawURLEncoding.EncodeToString(tokenBytes),
	}, nil
}
