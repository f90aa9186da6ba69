// Package phi seals protected health information at rest with AES-256-GCM
// under a versioned keyring.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Cipher seals byte strings with one AES-256-GCM key. Output is the nonce
// followed by the ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi: create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

func (c *Cipher) Seal(data []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi: generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, data, nil), nil
}

func (c *Cipher) Open(data []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(data) < n {
		return nil, errors.New("phi: ciphertext too short")
	}
	out, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("phi: open: %w", err)
	}
	return out, nil
}

// Keyring seals with the newest key and opens with whichever key sealed the
// data. Sealed values are prefixed "v<version>:".
type Keyring struct {
	current int
	keys    map[int]*Cipher
}

// ParseKeyring reads "version:hexkey" pairs separated by commas, e.g.
// "2:ab12...,1:cd34...". The highest version seals new data.
func ParseKeyring(keys string) (*Keyring, error) {
	kr := &Keyring{keys: make(map[int]*Cipher)}
	for _, part := range strings.Split(keys, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		verStr, keyHex, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("phi: key entry %q is not version:hexkey", part)
		}
		ver, err := strconv.Atoi(verStr)
		if err != nil || ver < 1 {
			return nil, fmt.Errorf("phi: invalid key version %q", verStr)
		}
		if _, dup := kr.keys[ver]; dup {
			return nil, fmt.Errorf("phi: duplicate key version %d", ver)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("phi: key v%d is not valid hex: %w", ver, err)
		}
		c, err := NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("phi: key v%d: %w", ver, err)
		}
		kr.keys[ver] = c
		if ver > kr.current {
			kr.current = ver
		}
	}
	if len(kr.keys) == 0 {
		return nil, errors.New("phi: keyring is empty")
	}
	return kr, nil
}

func (k *Keyring) CurrentVersion() int { return k.current }

// Versions returns the loaded key versions, newest first.
func (k *Keyring) Versions() []int {
	out := make([]int, 0, len(k.keys))
	for v := range k.keys {
		out = append(out, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func (k *Keyring) Seal(data []byte) ([]byte, error) {
	sealed, err := k.keys[k.current].Seal(data)
	if err != nil {
		return nil, err
	}
	prefix := "v" + strconv.Itoa(k.current) + ":"
	return append([]byte(prefix), sealed...), nil
}

func (k *Keyring) Open(data []byte) ([]byte, error) {
	ver, body, err := splitVersion(data)
	if err != nil {
		return nil, err
	}
	c, ok := k.keys[ver]
	if !ok {
		return nil, fmt.Errorf("phi: no key for version %d", ver)
	}
	return c.Open(body)
}

// Sealed reports whether data carries a keyring version prefix.
func Sealed(data []byte) bool {
	_, _, err := splitVersion(data)
	return err == nil
}

func splitVersion(data []byte) (int, []byte, error) {
	if len(data) < 3 || data[0] != 'v' {
		return 0, nil, errors.New("phi: value is not sealed")
	}
	idx := -1
	for i := 1; i < len(data) && i < 12; i++ {
		if data[i] == ':' {
			idx = i
			break
		}
	}
	if idx < 2 {
		return 0, nil, errors.New("phi: value is not sealed")
	}
	ver, err := strconv.Atoi(string(data[1:idx]))
	if err != nil {
		return 0, nil, fmt.Errorf("phi: invalid version prefix: %w", err)
	}
	return ver, data[idx+1:], nil
}
