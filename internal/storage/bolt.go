package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// dataBucket stores namespaced key/value data
	dataBucket = "_data"

	// eventsBucket stores the event journal
	eventsBucket = "_events"

	// updatesBucket stores firmware install history
	updatesBucket = "_updates"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	// Create the main buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{dataBucket, eventsBucket, updatesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// Key/value methods

// Get retrieves data by key
func (s *BoltStorage) Get(namespace, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		nsBucket := tx.Bucket([]byte(dataBucket)).Bucket([]byte(namespace))
		if nsBucket == nil {
			return ErrNotFound
		}

		data := nsBucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

// GetString retrieves string data by key
func (s *BoltStorage) GetString(namespace, key string) (string, error) {
	data, err := s.Get(namespace, key)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetInt retrieves int data by key
func (s *BoltStorage) GetInt(namespace, key string) (int, error) {
	data, err := s.Get(namespace, key)
	if err != nil {
		return 0, err
	}

	value, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to parse int: %w", err)
	}

	return value, nil
}

// GetBool retrieves bool data by key
func (s *BoltStorage) GetBool(namespace, key string) (bool, error) {
	data, err := s.Get(namespace, key)
	if err != nil {
		return false, err
	}

	value, err := strconv.ParseBool(string(data))
	if err != nil {
		return false, fmt.Errorf("failed to parse bool: %w", err)
	}

	return value, nil
}

// GetJSON retrieves and unmarshals JSON data by key
func (s *BoltStorage) GetJSON(namespace, key string, v interface{}) error {
	data, err := s.Get(namespace, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// Set stores data by key
func (s *BoltStorage) Set(namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nsBucket, err := tx.Bucket([]byte(dataBucket)).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("failed to create namespace bucket: %w", err)
		}

		return nsBucket.Put([]byte(key), value)
	})
}

// SetString stores string data by key
func (s *BoltStorage) SetString(namespace, key string, value string) error {
	return s.Set(namespace, key, []byte(value))
}

// SetInt stores int data by key
func (s *BoltStorage) SetInt(namespace, key string, value int) error {
	return s.Set(namespace, key, []byte(strconv.Itoa(value)))
}

// SetBool stores bool data by key
func (s *BoltStorage) SetBool(namespace, key string, value bool) error {
	return s.Set(namespace, key, []byte(strconv.FormatBool(value)))
}

// SetJSON marshals and stores JSON data by key
func (s *BoltStorage) SetJSON(namespace, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return s.Set(namespace, key, data)
}

// Increment adds one to an integer key inside a single transaction
func (s *BoltStorage) Increment(namespace, key string) (int, error) {
	var next int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		nsBucket, err := tx.Bucket([]byte(dataBucket)).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return fmt.Errorf("failed to create namespace bucket: %w", err)
		}

		if data := nsBucket.Get([]byte(key)); data != nil {
			current, err := strconv.Atoi(string(data))
			if err != nil {
				return fmt.Errorf("failed to parse int: %w", err)
			}
			next = current
		}
		next++

		return nsBucket.Put([]byte(key), []byte(strconv.Itoa(next)))
	})

	return next, err
}

// Delete removes data by key
func (s *BoltStorage) Delete(namespace, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		nsBucket := tx.Bucket([]byte(dataBucket)).Bucket([]byte(namespace))
		if nsBucket == nil {
			return ErrNotFound
		}

		return nsBucket.Delete([]byte(key))
	})
}

// List returns all keys and values in a namespace
func (s *BoltStorage) List(namespace string) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bbolt.Tx) error {
		nsBucket := tx.Bucket([]byte(dataBucket)).Bucket([]byte(namespace))
		if nsBucket == nil {
			// Namespace has no data yet - return empty map
			return nil
		}

		return nsBucket.ForEach(func(k, v []byte) error {
			value := make([]byte, len(v))
			copy(value, v)
			result[string(k)] = value
			return nil
		})
	})

	return result, err
}

// Event journal

// SaveEvent stores an encoded event. Keys are zero-padded so the bucket
// iterates in id order.
func (s *BoltStorage) SaveEvent(id int64, data []byte) error {
	return s.append(eventsBucket, fmt.Sprintf("%020d", id), data)
}

// LoadEvents returns up to limit events, oldest first
func (s *BoltStorage) LoadEvents(limit int) ([][]byte, error) {
	return s.tail(eventsBucket, limit)
}

// TrimEvents keeps only the newest max events
func (s *BoltStorage) TrimEvents(max int) error {
	return s.trim(eventsBucket, max)
}

// Update history

// SaveUpdate appends a firmware install record
func (s *BoltStorage) SaveUpdate(rec UpdateRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal update record: %w", err)
	}

	// Use timestamp as key (formatted as Unix nano for sorting)
	return s.append(updatesBucket, fmt.Sprintf("%020d", rec.Timestamp.UnixNano()), data)
}

// UpdateHistory returns up to limit records, oldest first
func (s *BoltStorage) UpdateHistory(limit int) ([]UpdateRecord, error) {
	raw, err := s.tail(updatesBucket, limit)
	if err != nil {
		return nil, err
	}

	records := make([]UpdateRecord, 0, len(raw))
	for _, data := range raw {
		var rec UpdateRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // Skip corrupted entries
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *BoltStorage) append(bucketName, key string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", bucketName)
		}
		return bucket.Put([]byte(key), data)
	})
}

// tail returns the last limit values of a bucket in key order
func (s *BoltStorage) tail(bucketName string, limit int) ([][]byte, error) {
	var values [][]byte

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", bucketName)
		}

		// Walk backwards from the newest entry
		cursor := bucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(values) < limit; k, v = cursor.Prev() {
			value := make([]byte, len(v))
			copy(value, v)
			values = append(values, value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Oldest first
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

// trim keeps only the newest max entries of a bucket
func (s *BoltStorage) trim(bucketName string, max int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", bucketName)
		}

		toDelete := bucket.Stats().KeyN - max
		if toDelete <= 0 {
			return nil
		}

		// Collect first: deleting while iterating a cursor skips keys
		keys := make([][]byte, 0, toDelete)
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil && len(keys) < toDelete; k, _ = cursor.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}

		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete old entry: %w", err)
			}
		}
		return nil
	})
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
