package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNode    = []byte("node")
	bucketHistory = []byte("history")
	keyRole       = []byte("role")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := db.Update(createBuckets); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func createBuckets(tx *bolt.Tx) error {
	for _, b := range [][]byte{bucketNode, bucketHistory} {
		if _, err := tx.CreateBucketIfNotExists(b); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) SaveNodeRole(role *NodeRole) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNode)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNode)
		}
		// Use internal storage struct to persist the network key.
		st := nodeRoleStorage{
			FactoryNew:  role.FactoryNew,
			Channel:     role.Channel,
			ShortAddr:   role.ShortAddr,
			FreeAddr:    role.FreeAddr,
			FreeGroup:   role.FreeGroup,
			ExtPanID:    role.ExtPanID,
			PanID:       role.PanID,
			UpdateID:    role.UpdateID,
			NetworkKey:  role.NetworkKey,
			Groups:      role.Groups,
			TrustCenter: role.TrustCenter,
			UpdatedAt:   role.UpdatedAt,
		}
		if st.UpdatedAt.IsZero() {
			st.UpdatedAt = time.Now()
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyRole, data)
	})
}

func (s *BoltStore) GetNodeRole() (*NodeRole, error) {
	var role NodeRole
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNode)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNode)
		}
		data := b.Get(keyRole)
		if data == nil {
			return fmt.Errorf("node role: %w", ErrNotFound)
		}
		// Deserialize via internal storage struct to recover the network key.
		var st nodeRoleStorage
		if err := json.Unmarshal(data, &st); err != nil {
			return err
		}
		role = NodeRole{
			FactoryNew:  st.FactoryNew,
			Channel:     st.Channel,
			ShortAddr:   st.ShortAddr,
			FreeAddr:    st.FreeAddr,
			FreeGroup:   st.FreeGroup,
			ExtPanID:    st.ExtPanID,
			PanID:       st.PanID,
			UpdateID:    st.UpdateID,
			NetworkKey:  st.NetworkKey,
			Groups:      st.Groups,
			TrustCenter: st.TrustCenter,
			UpdatedAt:   st.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &role, nil
}

// AddRecord appends rec to the history, assigning its ID and time when unset.
func (s *BoltStore) AddRecord(rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// ListRecords returns up to limit records, newest first. A limit of zero or
// less returns every record.
func (s *BoltStore) ListRecords(limit int) ([]*Record, error) {
	var records []*Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil // no bucket = no history
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) EraseAll() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketNode, bucketHistory} {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("delete bucket %q: %w", name, err)
			}
		}
		return createBuckets(tx)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
