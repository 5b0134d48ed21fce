package qauth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
)

var bucketClients = []byte("clients")

// ErrClientNotFound is returned by Store lookups for an unknown client ID.
var ErrClientNotFound = errors.New("client not found")

type clientRecord struct {
	SecretKey string    `cbor:"1,keyasint"`
	IP        string    `cbor:"2,keyasint,omitempty"`
	Language  string    `cbor:"3,keyasint,omitempty"`
	CreatedAt time.Time `cbor:"4,keyasint"`
}

// Store persists clients in a bbolt database keyed by client ID.
//
// Secret keys are stored as given. Encryption at rest is the caller's
// responsibility.
type Store struct {
	db *bbolt.DB
}

// OpenStore opens or creates the client database at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketClients)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put adds or replaces a client and returns its ID.
func (s *Store) Put(c Client) (string, error) {
	if c.SecretKey == "" {
		return "", ErrEmptySecret
	}
	id := c.ID()
	rec := clientRecord{
		SecretKey: c.SecretKey,
		IP:        c.IP,
		Language:  c.Language,
		CreatedAt: time.Now().UTC(),
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketClients).Put([]byte(id), data)
	})
	if err != nil {
		return "", fmt.Errorf("put client: %w", err)
	}
	return id, nil
}

// Delete removes the client with the given ID.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketClients)
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrClientNotFound, id)
		}
		return b.Delete([]byte(id))
	})
}

// StoredClient is a client with its store metadata.
type StoredClient struct {
	ID        string
	Client    Client
	CreatedAt time.Time
}

// List returns all stored clients ordered by ID.
func (s *Store) List() ([]StoredClient, error) {
	var list []StoredClient
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketClients).ForEach(func(k, v []byte) error {
			var rec clientRecord
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode client %s: %w", k, err)
			}
			list = append(list, StoredClient{
				ID: string(k),
				Client: Client{
					SecretKey: rec.SecretKey,
					IP:        rec.IP,
					Language:  rec.Language,
				},
				CreatedAt: rec.CreatedAt,
			})
			return nil
		})
	})
	return list, err
}

// Clients returns the stored clients, ready for NewRegistry.
func (s *Store) Clients() ([]Client, error) {
	list, err := s.List()
	if err != nil {
		return nil, err
	}
	out := make([]Client, len(list))
	for i, sc := range list {
		out[i] = sc.Client
	}
	return out, nil
}
