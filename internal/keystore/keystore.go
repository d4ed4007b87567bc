// Package keystore persists API keys and quota snapshots in a local
// bbolt database. Raw keys are never stored; lookup goes through a
// SHA-256 digest so a leaked database does not leak usable keys.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	pdfapi "github.com/alnah/go-pdfapi"
)

// Sentinel errors for keystore operations.
var (
	ErrOpenStore   = errors.New("failed to open key store")
	ErrUnknownPlan = errors.New("unknown plan name")
)

// KeyPrefix is prepended to every generated key so keys are easy to
// recognize in logs and support tickets.
const KeyPrefix = "pdf_"

const tokenBytes = 32

var (
	bucketKeys  = []byte("keys")
	bucketQuota = []byte("quota")
)

// record is the stored form of one API key.
type record struct {
	Prefix    string    `json:"prefix"` // First characters of the raw key, for display
	Plan      string    `json:"plan"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// Store is a bbolt-backed key and quota database.
type Store struct {
	db *bolt.DB
}

// Compile-time interface checks.
var (
	_ pdfapi.PlanResolver  = (*Store)(nil)
	_ pdfapi.SnapshotStore = (*Store)(nil)
)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenStore, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketKeys, bucketQuota} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenStore, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Generate creates and stores a new API key for the given plan and
// returns the raw key. The raw key is shown exactly once; only its
// digest is persisted.
func (s *Store) Generate(planName, email string) (string, error) {
	if !pdfapi.ValidPlanName(planName) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, planName)
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating key material: %w", err)
	}
	rawKey := KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)

	rec := record{
		Prefix:    rawKey[:len(KeyPrefix)+8],
		Plan:      planName,
		Email:     email,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding key record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put(digest(rawKey), data)
	})
	if err != nil {
		return "", fmt.Errorf("storing key record: %w", err)
	}

	return rawKey, nil
}

// Resolve maps a raw API key to its plan tier. Unknown and revoked
// keys are rejected with ErrInvalidAPIKey. The returned keyID is the
// hex digest prefix, stable across restarts and safe to log.
func (s *Store) Resolve(ctx context.Context, rawKey string) (pdfapi.Plan, string, error) {
	if err := ctx.Err(); err != nil {
		return pdfapi.Plan{}, "", err
	}

	var rec record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKeys).Get(digest(rawKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return pdfapi.Plan{}, "", fmt.Errorf("reading key record: %w", err)
	}

	if !found {
		return pdfapi.Plan{}, "", fmt.Errorf("%w: no such key", pdfapi.ErrInvalidAPIKey)
	}
	if !rec.Active {
		return pdfapi.Plan{}, "", fmt.Errorf("%w: key revoked", pdfapi.ErrInvalidAPIKey)
	}

	keyID := hex.EncodeToString(digest(rawKey))[:16]
	return pdfapi.PlanByName(rec.Plan), keyID, nil
}

// Revoke deactivates a key without deleting its record, preserving
// audit history. Revoking an unknown key is a no-op.
func (s *Store) Revoke(rawKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		data := b.Get(digest(rawKey))
		if data == nil {
			return nil
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding key record: %w", err)
		}
		rec.Active = false
		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding key record: %w", err)
		}
		return b.Put(digest(rawKey), updated)
	})
}

// SaveQuota replaces the persisted quota counters with snap. The
// bucket is rewritten wholesale so counters for expired keys do not
// accumulate.
func (s *Store) SaveQuota(snap map[string]pdfapi.QuotaSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketQuota); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketQuota)
		if err != nil {
			return err
		}
		for key, qs := range snap {
			data, err := json.Marshal(qs)
			if err != nil {
				return fmt.Errorf("encoding quota snapshot: %w", err)
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadQuota reads all persisted quota counters.
func (s *Store) LoadQuota() (map[string]pdfapi.QuotaSnapshot, error) {
	out := make(map[string]pdfapi.QuotaSnapshot)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuota).ForEach(func(k, v []byte) error {
			var qs pdfapi.QuotaSnapshot
			if err := json.Unmarshal(v, &qs); err != nil {
				return fmt.Errorf("decoding quota snapshot for %q: %w", k, err)
			}
			out[string(k)] = qs
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func digest(rawKey string) []byte {
	sum := sha256.Sum256([]byte(rawKey))
	return sum[:]
}
