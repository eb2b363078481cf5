package auth

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// AgentKeyring authenticates agents by pre-shared key. Only blake3 digests
// of keys are held, each bound to one instance id.
type AgentKeyring struct {
	mu      sync.RWMutex
	digests map[string][32]byte
}

// NewAgentKeyring constructs an empty keyring.
func NewAgentKeyring() *AgentKeyring {
	return &AgentKeyring{digests: make(map[string][32]byte)}
}

// DigestKey returns the hex blake3 digest of a key, the form stored in provisioning files.
func DigestKey(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Register binds a plaintext key to an instance.
func (k *AgentKeyring) Register(instanceID, key string) error {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" || key == "" {
		return authError("agent key requires instance id and key")
	}
	k.mu.Lock()
	k.digests[instanceID] = blake3.Sum256([]byte(key))
	k.mu.Unlock()
	return nil
}

// RegisterDigest binds a hex blake3 digest to an instance.
func (k *AgentKeyring) RegisterDigest(instanceID, digest string) error {
	instanceID = strings.TrimSpace(instanceID)
	raw, err := hex.DecodeString(strings.TrimSpace(digest))
	if instanceID == "" || err != nil || len(raw) != 32 {
		return authError("agent key digest must be 64 hex characters")
	}
	var sum [32]byte
	copy(sum[:], raw)
	k.mu.Lock()
	k.digests[instanceID] = sum
	k.mu.Unlock()
	return nil
}

// Authenticate checks the key presented for instanceID and returns the bound instance.
func (k *AgentKeyring) Authenticate(instanceID, key string) (string, error) {
	if k == nil {
		return "", authError("agent keyring not configured")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" || key == "" {
		return "", authError("missing agent credentials")
	}
	k.mu.RLock()
	want, ok := k.digests[instanceID]
	k.mu.RUnlock()
	got := blake3.Sum256([]byte(key))
	if !ok || subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
		return "", authError("invalid agent key")
	}
	return instanceID, nil
}

// Len returns the number of registered agents.
func (k *AgentKeyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.digests)
}
