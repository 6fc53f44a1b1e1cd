// Package bootstrap persists the contacts a node can rejoin the overlay
// through. The routing core treats the store as an opaque ordered set.
package bootstrap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"xorroute/internal/ident"
	"xorroute/internal/routing"
)

const (
	bContacts = "contacts"

	defaultTO = 2 * time.Second
)

// Store is a BoltDB-backed contact set keyed by address.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the contact database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bContacts))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Read returns every stored contact in key order. Corrupt records are
// skipped; a record that won't decode shouldn't brick bootstrap.
func (s *Store) Read() ([]routing.Contact, error) {
	var out []routing.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bContacts))
		return b.ForEach(func(k, v []byte) error {
			c, err := decodeContact(k, v)
			if err != nil {
				return nil
			}
			out = append(out, c)
			return nil
		})
	})
	return out, err
}

// Add upserts contacts.
func (s *Store) Add(contacts ...routing.Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bContacts))
		for _, c := range contacts {
			v, err := encodeEndpoints(c.Endpoints)
			if err != nil {
				return err
			}
			if err := b.Put(c.Address[:], v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove deletes the contact, matching by address. Idempotent.
func (s *Store) Remove(c routing.Contact) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bContacts)).Delete(c.Address[:])
	})
}

func encodeEndpoints(ep routing.EndpointPair) ([]byte, error) {
	var buf bytes.Buffer
	for _, ap := range []netip.AddrPort{ep.Internal, ep.External} {
		b, err := ap.MarshalBinary()
		if err != nil {
			return nil, err
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
		buf.Write(lenBuf[:])
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func decodeContact(k, v []byte) (routing.Contact, error) {
	var c routing.Contact
	if len(k) != ident.AddressBytes {
		return c, fmt.Errorf("bad contact key length %d", len(k))
	}
	copy(c.Address[:], k)

	r := bytes.NewReader(v)
	for _, ap := range []*netip.AddrPort{&c.Endpoints.Internal, &c.Endpoints.External} {
		var lenBuf [2]byte
		if _, err := r.Read(lenBuf[:]); err != nil {
			return c, err
		}
		n := binary.LittleEndian.Uint16(lenBuf[:])
		if int(n) > r.Len() || n > 64 {
			return c, fmt.Errorf("bad endpoint length %d", n)
		}
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return c, err
		}
		if err := ap.UnmarshalBinary(b); err != nil {
			return c, err
		}
	}
	return c, nil
}
