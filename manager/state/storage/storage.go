// Package storage persists the in-memory store to disk and brings it back.
//
// A snapshot is a bbolt file with one bucket per object table. Every record
// is the object's JSON encoding sealed with manager/encryption, so snapshot
// files never hold key material in the clear. The envelope format is the
// same under a noop seal, which tests and the offline tooling rely on.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/log"
	"github.com/dwongdev/defguard/manager/encryption"
	"github.com/dwongdev/defguard/manager/state/store"
)

// Layout:
//
//  bucket(v1.networks.<id>) -> sealed network record
//  bucket(v1.devices.<id>)  -> sealed device record
//  bucket(v1.links.<id>)    -> sealed link record
var (
	bucketKeyStorageVersion = []byte("v1")
	bucketKeyNetworks       = []byte("networks")
	bucketKeyDevices        = []byte("devices")
	bucketKeyLinks          = []byte("links")
)

// Snapshotter writes store snapshots to a bbolt file and reads them back.
// Records it writes are sealed with its encrypter; records it reads are
// unsealed with its decrypter.
type Snapshotter struct {
	db        *bolt.DB
	encrypter encryption.Encrypter
	decrypter encryption.Decrypter
}

// New opens (or creates) the snapshot file at path.
func New(path string, encrypter encryption.Encrypter, decrypter encryption.Decrypter) (*Snapshotter, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening snapshot file %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeyStorageVersion)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "initializing snapshot file %s", path)
	}

	return &Snapshotter{
		db:        db,
		encrypter: encrypter,
		decrypter: decrypter,
	}, nil
}

// Close releases the snapshot file.
func (s *Snapshotter) Close() error {
	return s.db.Close()
}

// Save serializes the store's current contents and replaces the snapshot
// file's tables with them in a single transaction.
func (s *Snapshotter) Save(ms *store.MemoryStore) error {
	snapshot, err := takeSnapshot(ms)
	if err != nil {
		return errors.Wrap(err, "serializing store")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		networks, err := replaceTableBucket(tx, bucketKeyNetworks)
		if err != nil {
			return err
		}
		for _, n := range snapshot.Networks {
			if err := s.putSealed(networks, n.ID, n); err != nil {
				return errors.Wrapf(err, "sealing network %s", n.ID)
			}
		}

		devices, err := replaceTableBucket(tx, bucketKeyDevices)
		if err != nil {
			return err
		}
		for _, d := range snapshot.Devices {
			if err := s.putSealed(devices, d.ID, d); err != nil {
				return errors.Wrapf(err, "sealing device %s", d.ID)
			}
		}

		links, err := replaceTableBucket(tx, bucketKeyLinks)
		if err != nil {
			return err
		}
		for _, l := range snapshot.Links {
			if err := s.putSealed(links, l.ID, l); err != nil {
				return errors.Wrapf(err, "sealing link %s", l.ID)
			}
		}

		return nil
	})
}

// Restore replaces the store's contents with the snapshot file's. A fresh
// file restores an empty snapshot, leaving a new store empty.
func (s *Snapshotter) Restore(ms *store.MemoryStore) error {
	var snapshot *store.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		snapshot, err = loadSnapshot(tx, s.decrypter)
		return err
	})
	if err != nil {
		return err
	}
	return ms.Restore(snapshot)
}

// Run saves the store every interval while commits have landed since the
// previous save. The first interval always saves, so commits that raced
// ahead of the watch registration still reach disk. Run returns when ctx
// is canceled or the store's watch queue closes; the final save on
// shutdown belongs to the caller.
func (s *Snapshotter) Run(ctx context.Context, ms *store.MemoryStore, interval time.Duration) error {
	commits, cancel := store.Watch(ms.WatchQueue(), store.EventCommit{})
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dirty := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-commits:
			if !ok {
				return nil
			}
			dirty = true
		case <-ticker.C:
			if !dirty {
				continue
			}
			if err := s.Save(ms); err != nil {
				log.G(ctx).WithError(err).Error("periodic state snapshot failed")
				continue
			}
			dirty = false
		}
	}
}

// LoadSnapshot reads a snapshot file directly, without a live store. The
// file is opened read-only, so it is safe against a file a daemon still
// owns being changed under the reader.
func LoadSnapshot(path string, decrypter encryption.Decrypter) (*store.Snapshot, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, errors.Wrapf(err, "opening snapshot file %s", path)
	}
	defer db.Close()

	var snapshot *store.Snapshot
	err = db.View(func(tx *bolt.Tx) error {
		var err error
		snapshot, err = loadSnapshot(tx, decrypter)
		return err
	})
	return snapshot, err
}

func takeSnapshot(ms *store.MemoryStore) (*store.Snapshot, error) {
	var (
		snapshot *store.Snapshot
		err      error
	)
	ms.View(func(tx store.ReadTx) {
		snapshot, err = ms.Save(tx)
	})
	return snapshot, err
}

func loadSnapshot(tx *bolt.Tx, decrypter encryption.Decrypter) (*store.Snapshot, error) {
	var snapshot store.Snapshot

	if err := forEachSealed(tx, bucketKeyNetworks, decrypter, func(plaintext []byte) error {
		n := &api.Network{}
		if err := json.Unmarshal(plaintext, n); err != nil {
			return err
		}
		snapshot.Networks = append(snapshot.Networks, n)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := forEachSealed(tx, bucketKeyDevices, decrypter, func(plaintext []byte) error {
		d := &api.Device{}
		if err := json.Unmarshal(plaintext, d); err != nil {
			return err
		}
		snapshot.Devices = append(snapshot.Devices, d)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := forEachSealed(tx, bucketKeyLinks, decrypter, func(plaintext []byte) error {
		l := &api.NetworkDeviceLink{}
		if err := json.Unmarshal(plaintext, l); err != nil {
			return err
		}
		snapshot.Links = append(snapshot.Links, l)
		return nil
	}); err != nil {
		return nil, err
	}

	return &snapshot, nil
}

func (s *Snapshotter) putSealed(bkt *bolt.Bucket, id string, o interface{}) error {
	plaintext, err := json.Marshal(o)
	if err != nil {
		return err
	}
	sealed, err := encryption.Encrypt(plaintext, s.encrypter)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(id), sealed)
}

func forEachSealed(tx *bolt.Tx, table []byte, decrypter encryption.Decrypter, fn func(plaintext []byte) error) error {
	bkt := getBucket(tx, bucketKeyStorageVersion, table)
	if bkt == nil {
		return nil
	}
	return bkt.ForEach(func(k, v []byte) error {
		plaintext, err := encryption.Decrypt(v, decrypter)
		if err != nil {
			return errors.Wrapf(err, "unsealing %s record %s", table, k)
		}
		return fn(plaintext)
	})
}

func replaceTableBucket(tx *bolt.Tx, table []byte) (*bolt.Bucket, error) {
	version, err := tx.CreateBucketIfNotExists(bucketKeyStorageVersion)
	if err != nil {
		return nil, err
	}
	if version.Bucket(table) != nil {
		if err := version.DeleteBucket(table); err != nil {
			return nil, err
		}
	}
	return version.CreateBucket(table)
}

func getBucket(tx *bolt.Tx, keys ...[]byte) *bolt.Bucket {
	bkt := tx.Bucket(keys[0])

	for _, key := range keys[1:] {
		if bkt == nil {
			break
		}
		bkt = bkt.Bucket(key)
	}

	return bkt
}
