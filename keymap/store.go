// Package keymap maps source natural keys to stable UUID surrogate
// identifiers and back, persisted in an embedded bbolt database so the
// mapping survives process restarts.
package keymap

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"github.com/google/uuid"

	"github.com/metasvc/corehub/resterr"
)

var rootNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8") // DNS namespace, used as the root for per-ns UUIDs

// KeyMap wraps a bbolt database with the encode/decode contract a stable,
// reversible primary key needs:
// deterministic, idempotent, injective per namespace, round-trippable.
type KeyMap struct {
	db *bolt.DB
}

const (
	bucketForward = "keymap_fwd" // ns|canonicalKey -> uuid string
	bucketReverse = "keymap_rev" // ns|uuid -> natural key JSON
)

// Open opens or creates the bbolt-backed KeyMap store at path.
func Open(path string) (*KeyMap, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("keymap: failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketForward)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketForward, err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketReverse)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketReverse, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &KeyMap{db: db}, nil
}

// Close releases the underlying bbolt database.
func (k *KeyMap) Close() error {
	return k.db.Close()
}

// canonicalize reduces a natural key tuple to its stable string form: a
// single-element tuple canonicalises to its bare element;
// a composite tuple joins its ordered elements with the \x1f (unit
// separator) byte. Elements are not escaped, so an element that itself
// contains \x1f can produce the same form as a different tuple.
func canonicalize(naturalKey []string) string {
	if len(naturalKey) == 1 {
		return naturalKey[0]
	}
	return strings.Join(naturalKey, "\x1f")
}

// compositeKey returns the storage key for a namespace plus canonical
// natural key, chaining the parent keymap id when one is given so a
// composite-derived identifier's uuid also depends on its parent's
// identity, keeping parent/child pairs stable across reloads.
func compositeKey(ns string, canonical string, parent *string) string {
	if parent == nil {
		return ns + "\x1f" + canonical
	}
	return ns + "\x1f" + *parent + "\x1f" + canonical
}

// Encode returns the stable surrogate UUID for naturalKey within ns. The
// uuid is derived deterministically (uuid.NewSHA1 against a namespace
// derived from ns) so repeated calls with the same inputs are idempotent
// without a forward lookup; the reverse mapping is still persisted because
// a hash cannot be inverted back into its natural key for Decode.
func (k *KeyMap) Encode(ns string, naturalKey []string, parent *string) (string, error) {
	if len(naturalKey) == 0 {
		return "", resterr.New(resterr.KindInvalidValue, "keymap: empty natural key for namespace %q", ns)
	}
	canonical := canonicalize(naturalKey)
	storageKey := compositeKey(ns, canonical, parent)

	nsUUID := uuid.NewSHA1(rootNamespace, []byte(ns))
	id := uuid.NewSHA1(nsUUID, []byte(storageKey)).String()

	payload, err := json.Marshal(naturalKey)
	if err != nil {
		return "", fmt.Errorf("keymap: failed to marshal natural key: %w", err)
	}

	err = k.db.Update(func(tx *bolt.Tx) error {
		fwd := tx.Bucket([]byte(bucketForward))
		rev := tx.Bucket([]byte(bucketReverse))
		if err := fwd.Put([]byte(storageKey), []byte(id)); err != nil {
			return err
		}
		return rev.Put([]byte(ns+"\x1f"+id), payload)
	})
	if err != nil {
		return "", fmt.Errorf("keymap: failed to persist mapping: %w", err)
	}
	return id, nil
}

// Decode returns the natural key tuple previously Encode'd to id within
// ns, or a NotFoundError if id is unknown in that namespace.
func (k *KeyMap) Decode(ns string, id string) ([]string, error) {
	var naturalKey []string
	err := k.db.View(func(tx *bolt.Tx) error {
		rev := tx.Bucket([]byte(bucketReverse))
		data := rev.Get([]byte(ns + "\x1f" + id))
		if data == nil {
			return resterr.New(resterr.KindNotFoundError, "keymap: uuid %q not found in namespace %q", id, ns)
		}
		return json.Unmarshal(data, &naturalKey)
	})
	if err != nil {
		return nil, err
	}
	return naturalKey, nil
}

// IndexCombination records an additional lookup path for id under a
// caller-declared property combination, per the `required_keymap_properties`
// rule: a row can later be found by any indexed combination, not just its
// primary key.
func (k *KeyMap) IndexCombination(ns string, combinationKey []string, id string) error {
	canonical := canonicalize(combinationKey)
	storageKey := compositeKey(ns, canonical, nil)
	return k.db.Update(func(tx *bolt.Tx) error {
		fwd := tx.Bucket([]byte(bucketForward))
		return fwd.Put([]byte(storageKey), []byte(id))
	})
}

// Lookup resolves a natural key (or an indexed combination) directly to its
// uuid without recomputing the hash, returning NotFoundError if absent.
func (k *KeyMap) Lookup(ns string, naturalKey []string, parent *string) (string, error) {
	canonical := canonicalize(naturalKey)
	storageKey := compositeKey(ns, canonical, parent)
	var id string
	err := k.db.View(func(tx *bolt.Tx) error {
		fwd := tx.Bucket([]byte(bucketForward))
		data := fwd.Get([]byte(storageKey))
		if data == nil {
			return resterr.New(resterr.KindNotFoundError, "keymap: natural key not found in namespace %q", ns)
		}
		id = string(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}
