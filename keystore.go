package ech

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Key is a single (private key, ECHConfig) pair as consumed by [Conn],
// matching the shape of [crypto/tls.EncryptedClientHelloKey] but scoped to
// this package so callers are not forced to depend on stdlib internals
// for construction.
type Key struct {
	// PrivateKey is the raw KEM private key bytes (32 bytes for
	// DHKEM(X25519, HKDF-SHA256)).
	PrivateKey []byte
	// Config is the single ECHConfig's raw wire encoding.
	Config []byte
}

// StoredKey is a Key Store entry: a parsed ECHConfig, its private key,
// where it was loaded from, and when, spec.md §3's StoredKey.
type StoredKey struct {
	Config     *ECHConfig
	PrivateKey []byte
	SourceID   string
	LoadedAt   time.Time
}

// KeyStore holds server-side (ECHConfig, private key) pairs, tracks load
// time and source identifier per spec.md §4.2, and supports reload/flush.
// Reads (via [KeyStore.Keys]) may happen concurrently with each other;
// writes (add/refresh/flush) take an exclusive lock, matching the
// copy-on-write model described in spec.md §5.
type KeyStore struct {
	mu    sync.RWMutex
	order []string // SourceID insertion order, preserved across flush
	byID  map[string]*StoredKey

	hint *lru.Cache[uint8, string] // config_id -> SourceID, disambiguation hint only
}

// NewKeyStore returns an empty KeyStore. hintSize bounds the config_id
// disambiguation cache; 0 selects a small default.
func NewKeyStore(hintSize int) (*KeyStore, error) {
	if hintSize <= 0 {
		hintSize = 64
	}
	hint, err := lru.New[uint8, string](hintSize)
	if err != nil {
		return nil, err
	}
	return &KeyStore{
		byID: make(map[string]*StoredKey),
		hint: hint,
	}, nil
}

// AddFromBuffer parses buf as a PEM container with exactly one PRIVATE KEY
// block and one ECHCONFIG block, spec.md §6's PEM container format. The
// source identifier is the ASCII-hex SHA-256 of buf.
func (ks *KeyStore) AddFromBuffer(buf []byte) (string, error) {
	sum := sha256.Sum256(buf)
	sourceID := hex.EncodeToString(sum[:])
	key, cfg, err := parsePEMKeyAndConfig(buf)
	if err != nil {
		return "", err
	}
	ks.store(sourceID, key, cfg, time.Now())
	return sourceID, nil
}

// AddFromPEM reads path, parses the private key and ECHConfig from its
// contents, and stores them with the file's mtime as the load time,
// using path itself as the source identifier so later calls to
// [KeyStore.RefreshIfChanged] can compare against the file's mtime.
func (ks *KeyStore) AddFromPEM(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	key, cfg, err := parsePEMKeyAndConfig(buf)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	ks.store(path, key, cfg, info.ModTime())
	return nil
}

// RefreshIfChanged reloads the key at sourceID (a path previously passed
// to [KeyStore.AddFromPEM]) if its mtime is newer than the load time
// recorded for it, and reports true only in that case. An unknown
// sourceID is loaded with [KeyStore.AddFromPEM] and reported as false; an
// unchanged entry is left as it is.
func (ks *KeyStore) RefreshIfChanged(sourceID string) (bool, error) {
	ks.mu.RLock()
	existing, ok := ks.byID[sourceID]
	ks.mu.RUnlock()
	if !ok {
		return false, ks.AddFromPEM(sourceID)
	}
	info, err := os.Stat(sourceID)
	if err != nil {
		return false, err
	}
	if !info.ModTime().After(existing.LoadedAt) {
		return false, nil
	}
	return true, ks.AddFromPEM(sourceID)
}

func (ks *KeyStore) store(sourceID string, privKey []byte, cfg *ECHConfig, loadedAt time.Time) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.byID[sourceID]; !exists {
		ks.order = append(ks.order, sourceID)
	}
	ks.byID[sourceID] = &StoredKey{
		Config:     cfg,
		PrivateKey: privKey,
		SourceID:   sourceID,
		LoadedAt:   loadedAt,
	}
	ks.hint.Add(cfg.ID, sourceID)
}

// Flush purges keys loaded more than ageSeconds ago; ageSeconds <= 0
// empties the store. Order among survivors is preserved, spec.md §4.2.
func (ks *KeyStore) Flush(ageSeconds float64) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ageSeconds <= 0 {
		ks.order = nil
		ks.byID = make(map[string]*StoredKey)
		ks.hint.Purge()
		return
	}
	cutoff := time.Now().Add(-time.Duration(ageSeconds * float64(time.Second)))
	var survivors []string
	for _, id := range ks.order {
		if k, ok := ks.byID[id]; ok && k.LoadedAt.After(cutoff) {
			survivors = append(survivors, id)
			continue
		}
		delete(ks.byID, id)
	}
	ks.order = survivors
}

// Count returns the number of stored keys.
func (ks *KeyStore) Count() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.order)
}

// Keys returns a snapshot of the store's entries as [Key] values, in
// load order, suitable for passing to [WithKeys]. The config_id hint
// cache is not consulted.
func (ks *KeyStore) Keys() []Key {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	out := make([]Key, 0, len(ks.order))
	for _, id := range ks.order {
		k := ks.byID[id]
		out = append(out, Key{PrivateKey: k.PrivateKey, Config: k.Config.Bytes()})
	}
	return out
}

// Hint returns the SourceID most recently associated with configID, if
// any, for use as a first guess before falling back to full trial
// decryption.
func (ks *KeyStore) Hint(configID uint8) (string, bool) {
	return ks.hint.Get(configID)
}

func parsePEMKeyAndConfig(buf []byte) ([]byte, *ECHConfig, error) {
	var privKey []byte
	var cfgBytes []byte
	rest := buf
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "PRIVATE KEY":
			if privKey != nil {
				return nil, nil, fmt.Errorf("%w: more than one PRIVATE KEY block", ErrMalformedConfig)
			}
			privKey = block.Bytes
		case "ECHCONFIG":
			if cfgBytes != nil {
				return nil, nil, fmt.Errorf("%w: more than one ECHCONFIG block", ErrMalformedConfig)
			}
			cfgBytes = block.Bytes
		}
	}
	if privKey == nil || cfgBytes == nil {
		return nil, nil, fmt.Errorf("%w: PEM container must have exactly one PRIVATE KEY and one ECHCONFIG block", ErrMalformedConfig)
	}
	cfg, err := Config(cfgBytes).Spec()
	if err != nil {
		return nil, nil, err
	}
	return privKey, cfg, nil
}
