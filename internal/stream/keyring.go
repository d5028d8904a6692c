package stream

import (
	"errors"
	"sync"
)

// ErrNoCredentials means no stream key was configured.
var ErrNoCredentials = errors.New("stream: no credentials configured")

// KeyRing hands out stream credentials in priority order and moves to the
// next one when the provider rejects the current key.
type KeyRing struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

func NewKeyRing(keys ...string) *KeyRing {
	var clean []string
	for _, k := range keys {
		if k != "" {
			clean = append(clean, k)
		}
	}
	return &KeyRing{keys: clean}
}

func (k *KeyRing) Current() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.keys) == 0 || k.idx >= len(k.keys) {
		return "", ErrNoCredentials
	}
	return k.keys[k.idx], nil
}

// Rotate advances to the next key and reports whether one was left.
func (k *KeyRing) Rotate() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.idx+1 >= len(k.keys) {
		k.idx = len(k.keys)
		return false
	}
	k.idx++
	return true
}

// Reset goes back to the primary key.
func (k *KeyRing) Reset() {
	k.mu.Lock()
	k.idx = 0
	k.mu.Unlock()
}

func (k *KeyRing) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}
