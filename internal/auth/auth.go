// Package auth authenticates API callers with static keys from
// configuration.
//
// Keys are given as "name:secret" or "name:secret:0xgroup". A key bound to
// a signer group may only act on that group; an unbound key is an operator
// key. Admin routes additionally require the admin secret.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrNotOwner      = errors.New("not authorized for this signer group")
)

// APIKey is a configured caller.
type APIKey struct {
	Name  string `json:"name"`
	Hash  string `json:"-"`
	Group string `json:"group,omitempty"`
}

// CanAct reports whether the key may act on group.
func (k *APIKey) CanAct(group string) bool {
	return k.Group == "" || strings.EqualFold(k.Group, group)
}

// Keyring holds key hashes; raw secrets are not retained.
type Keyring struct {
	byHash map[string]*APIKey
}

// ParseKeys builds a keyring from comma-separated key entries.
func ParseKeys(list string) (*Keyring, error) {
	ring := &Keyring{byHash: make(map[string]*APIKey)}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("auth: malformed key entry %q", redact(entry))
		}
		key := &APIKey{Name: parts[0], Hash: hashKey(parts[1])}
		if len(parts) == 3 {
			key.Group = strings.ToLower(parts[2])
		}
		if _, dup := ring.byHash[key.Hash]; dup {
			return nil, fmt.Errorf("auth: duplicate key for %q", key.Name)
		}
		ring.byHash[key.Hash] = key
	}
	return ring, nil
}

// Len returns the number of keys.
func (r *Keyring) Len() int {
	return len(r.byHash)
}

// ValidateKey looks up a raw key, accepting an optional "Bearer " prefix.
func (r *Keyring) ValidateKey(raw string) (*APIKey, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	key, ok := r.byHash[hashKey(raw)]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return key, nil
}

// SecretEqual compares secrets in constant time. An empty expected secret
// never matches.
func SecretEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func redact(entry string) string {
	name, _, _ := strings.Cut(entry, ":")
	return name + ":***"
}
