package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	events "github.com/docker/go-events"
	metrics "github.com/docker/go-metrics"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/watch"
)

const (
	indexID         = "id"
	indexName       = "name"
	indexPubkey     = "pubkey"
	indexOwner      = "owner"
	indexDeviceType = "devicetype"
	indexNetworkID  = "networkid"
	indexDeviceID   = "deviceid"
	indexMembership = "membership"
	indexAddress    = "address"

	prefix = "_prefix"
)

var (
	// ErrExist is returned by create operations if the provided ID is already
	// taken.
	ErrExist = errors.New("object already exists")

	// ErrNotExist is returned by altering operations (update, delete) if the
	// object does not exist.
	ErrNotExist = errors.New("object does not exist")

	// ErrNameConflict is returned by create/update if the object name is
	// already in use by a different object.
	ErrNameConflict = errors.New("name conflicts with an existing object")

	// ErrPubkeyConflict is returned by create/update if the object's public
	// key is already in use by a different object.
	ErrPubkeyConflict = errors.New("public key conflicts with an existing object")

	// ErrAddressConflict is returned by create/update if an assigned address
	// is already held by a different device within the same network.
	ErrAddressConflict = errors.New("address conflicts with an existing assignment")

	// ErrSequenceConflict is returned when trying to update an object
	// whose sequence information does not match the object in the store's.
	ErrSequenceConflict = errors.New("update out of sequence")

	// ErrInvalidFindBy is returned if an unrecognized By is passed to Find.
	ErrInvalidFindBy = errors.New("invalid find argument type")

	objectStorers []ObjectStoreConfig
	schema        = &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{},
	}

	// Timers to capture the durations of store transactions.
	updateLatencyTimer metrics.Timer
	viewLatencyTimer   metrics.Timer
	lookupLatencyTimer metrics.Timer
)

func init() {
	ns := metrics.NewNamespace("defguard", "store", nil)
	updateLatencyTimer = ns.NewTimer("write_tx_latency",
		"Store write transaction latency.")
	viewLatencyTimer = ns.NewTimer("read_tx_latency",
		"Store read transaction latency.")
	lookupLatencyTimer = ns.NewTimer("lookup_latency",
		"Store read latency.")
	metrics.Register(ns)
}

// ObjectStoreConfig provides the necessary methods to store a particular
// object type inside MemoryStore.
type ObjectStoreConfig struct {
	Table   *memdb.TableSchema
	Save    func(ReadTx, *Snapshot) error
	Restore func(Tx, *Snapshot) error
}

// Snapshot is the serializable contents of the store. The snapshot storage
// layer persists and restores it.
type Snapshot struct {
	Networks []*api.Network
	Devices  []*api.Device
	Links    []*api.NetworkDeviceLink
}

func register(os ObjectStoreConfig) {
	objectStorers = append(objectStorers, os)
	schema.Tables[os.Table.Name] = os.Table
}

// MemoryStore is a concurrency-safe, in-memory implementation of the Store
// interface.
type MemoryStore struct {
	// updateLock must be held during an update transaction.
	updateLock sync.Mutex

	memDB *memdb.MemDB
	queue *watch.Queue

	// version is the store's logical clock. It advances once per write
	// transaction that changed anything and stamps every object the
	// transaction touched.
	version uint64
}

// NewMemoryStore returns an in-memory store.
func NewMemoryStore() *MemoryStore {
	memDB, err := memdb.NewMemDB(schema)
	if err != nil {
		// This shouldn't fail
		panic(err)
	}

	return &MemoryStore{
		memDB: memDB,
		queue: watch.NewQueue(),
	}
}

// Close closes the watch queue.
func (s *MemoryStore) Close() error {
	return s.queue.Close()
}

func fromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide only a single argument")
	}
	arg, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("argument must be a string: %#v", args[0])
	}
	// Add the null character as a terminator
	arg += "\x00"
	return []byte(arg), nil
}

func prefixFromArgs(args ...interface{}) ([]byte, error) {
	val, err := fromArgs(args...)
	if err != nil {
		return nil, err
	}

	// Strip the null terminator, the rest is a prefix
	n := len(val)
	if n > 0 {
		return val[:n-1], nil
	}
	return val, nil
}

// ReadTx is a read transaction. Note that transaction does not imply
// any internal batching. It only means that the transaction presents a
// consistent view of the data that cannot be affected by other
// transactions.
type ReadTx interface {
	lookup(table, index, id string) api.StoreObject
	get(table, id string) api.StoreObject
	find(table string, by By, checkType func(By) error, appendResult func(api.StoreObject)) error
}

type readTx struct {
	memDBTx *memdb.Txn
}

// View executes a read transaction.
func (s *MemoryStore) View(cb func(ReadTx)) {
	defer metrics.StartTimer(viewLatencyTimer)()
	memDBTx := s.memDB.Txn(false)

	readTx := readTx{
		memDBTx: memDBTx,
	}
	cb(readTx)
	memDBTx.Commit()
}

// Tx is a read/write transaction. Note that transaction does not imply
// any internal batching. The purpose of this transaction is to give the
// user a guarantee that its changes won't be visible to other transactions
// until the transaction is over.
type Tx interface {
	ReadTx
	create(table string, o api.StoreObject) error
	update(table string, o api.StoreObject) error
	delete(table, id string) error
}

type tx struct {
	readTx
	curVersion *api.Version
	changelist []api.Event
}

func (tx *tx) init(memDBTx *memdb.Txn, curVersion *api.Version) {
	tx.memDBTx = memDBTx
	tx.curVersion = curVersion
	tx.changelist = nil
}

// Update executes a read/write transaction.
func (s *MemoryStore) Update(cb func(Tx) error) error {
	defer metrics.StartTimer(updateLatencyTimer)()
	s.updateLock.Lock()
	memDBTx := s.memDB.Txn(true)

	curVersion := api.Version{Index: s.version + 1}

	var tx tx
	tx.init(memDBTx, &curVersion)

	err := cb(&tx)

	if err == nil {
		memDBTx.Commit()
	} else {
		memDBTx.Abort()
	}

	if err == nil && len(tx.changelist) != 0 {
		s.version = curVersion.Index
		for _, c := range tx.changelist {
			s.queue.Publish(c)
		}
		s.queue.Publish(EventCommit{Version: curVersion})
	}
	s.updateLock.Unlock()
	return err
}

// restore replaces the store contents without stamping new versions or
// timestamps on the restored objects.
func (s *MemoryStore) restore(cb func(Tx) error, version uint64) error {
	s.updateLock.Lock()
	memDBTx := s.memDB.Txn(true)

	var tx tx
	tx.init(memDBTx, nil)

	err := cb(&tx)

	if err == nil {
		memDBTx.Commit()
		s.version = version
	} else {
		memDBTx.Abort()
	}

	if err == nil && len(tx.changelist) != 0 {
		for _, c := range tx.changelist {
			s.queue.Publish(c)
		}
		s.queue.Publish(EventCommit{Version: api.Version{Index: version}})
	}
	s.updateLock.Unlock()
	return err
}

// touchMeta updates an object's timestamps when necessary and bumps the
// version if provided. A nil version means the object is being restored
// from a snapshot and already carries its authoritative metadata.
func touchMeta(meta *api.Meta, version *api.Version) {
	if version == nil {
		return
	}

	now := time.Now().UTC()

	meta.Version = *version

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now
}

// lookup is an internal typed wrapper around memdb.
func (t readTx) lookup(table, index, id string) api.StoreObject {
	defer metrics.StartTimer(lookupLatencyTimer)()
	j, err := t.memDBTx.First(table, index, id)
	if err != nil {
		return nil
	}
	if j != nil {
		return j.(api.StoreObject)
	}
	return nil
}

// get looks up an object by ID.
// Returns nil if the object doesn't exist.
func (t readTx) get(table, id string) api.StoreObject {
	o := t.lookup(table, indexID, id)
	if o == nil {
		return nil
	}
	return o.CopyStoreObject()
}

// find selects a set of objects and calls appendResult for each matching
// object. checkType rejects By arguments the table has no index for.
func (t readTx) find(table string, by By, checkType func(By) error, appendResult func(api.StoreObject)) error {
	fromResultIterator := func(it memdb.ResultIterator) {
		ids := make(map[string]struct{})
		for {
			obj := it.Next()
			if obj == nil {
				break
			}
			o := obj.(api.StoreObject)
			id := o.GetID()
			if _, exists := ids[id]; !exists {
				appendResult(o.CopyStoreObject())
				ids[id] = struct{}{}
			}
		}
	}

	switch v := by.(type) {
	case byAll:
		it, err := t.memDBTx.Get(table, indexID)
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case orCombinator:
		for _, subBy := range v.bys {
			switch subBy.(type) {
			case byAll, orCombinator:
				return ErrInvalidFindBy
			}
			if err := t.find(table, subBy, checkType, appendResult); err != nil {
				return err
			}
		}
	case byName:
		if err := checkType(by); err != nil {
			return err
		}
		it, err := t.memDBTx.Get(table, indexName, strings.ToLower(string(v)))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byIDPrefix:
		if err := checkType(by); err != nil {
			return err
		}
		it, err := t.memDBTx.Get(table, indexID+prefix, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byPubkey:
		if err := checkType(by); err != nil {
			return err
		}
		it, err := t.memDBTx.Get(table, indexPubkey, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byOwnerID:
		if err := checkType(by); err != nil {
			return err
		}
		it, err := t.memDBTx.Get(table, indexOwner, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byDeviceType:
		if err := checkType(by); err != nil {
			return err
		}
		it, err := t.memDBTx.Get(table, indexDeviceType, api.DeviceType(v).String())
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byNetworkID:
		if err := checkType(by); err != nil {
			return err
		}
		it, err := t.memDBTx.Get(table, indexNetworkID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	case byDeviceID:
		if err := checkType(by); err != nil {
			return err
		}
		it, err := t.memDBTx.Get(table, indexDeviceID, string(v))
		if err != nil {
			return err
		}
		fromResultIterator(it)
	default:
		return ErrInvalidFindBy
	}
	return nil
}

// create adds a new object to the store.
// Returns ErrExist if the ID is already taken.
func (tx *tx) create(table string, o api.StoreObject) error {
	if tx.lookup(table, indexID, o.GetID()) != nil {
		return ErrExist
	}

	copy := o.CopyStoreObject()
	meta := copy.GetMeta()
	touchMeta(&meta, tx.curVersion)
	copy.SetMeta(meta)

	err := tx.memDBTx.Insert(table, copy)
	if err == nil {
		tx.changelist = append(tx.changelist, copy.EventCreate())
		o.SetMeta(meta)
	}
	return err
}

// update updates an existing object in the store.
// Returns ErrNotExist if the object doesn't exist.
func (tx *tx) update(table string, o api.StoreObject) error {
	oldN := tx.lookup(table, indexID, o.GetID())
	if oldN == nil {
		return ErrNotExist
	}

	meta := o.GetMeta()

	if tx.curVersion != nil {
		if oldN.GetMeta().Version != meta.Version {
			return ErrSequenceConflict
		}
	}

	copy := o.CopyStoreObject()
	touchMeta(&meta, tx.curVersion)
	copy.SetMeta(meta)

	err := tx.memDBTx.Insert(table, copy)
	if err == nil {
		tx.changelist = append(tx.changelist, copy.EventUpdate())
		o.SetMeta(meta)
	}
	return err
}

// delete removes an object from the store.
// Returns ErrNotExist if the object doesn't exist.
func (tx *tx) delete(table, id string) error {
	n := tx.lookup(table, indexID, id)
	if n == nil {
		return ErrNotExist
	}

	err := tx.memDBTx.Delete(table, n)
	if err == nil {
		tx.changelist = append(tx.changelist, n.EventDelete())
	}
	return err
}

// Save serializes the data in the store.
func (s *MemoryStore) Save(tx ReadTx) (*Snapshot, error) {
	var snapshot Snapshot
	for _, os := range objectStorers {
		if err := os.Save(tx, &snapshot); err != nil {
			return nil, err
		}
	}

	return &snapshot, nil
}

// Restore sets the contents of the store to the serialized data in the
// argument. Restored objects keep the versions and timestamps they were
// saved with, and the store's logical clock resumes past the highest
// restored version.
func (s *MemoryStore) Restore(snapshot *Snapshot) error {
	return s.restore(func(tx Tx) error {
		for _, os := range objectStorers {
			if err := os.Restore(tx, snapshot); err != nil {
				return err
			}
		}
		return nil
	}, snapshotVersion(snapshot))
}

func snapshotVersion(snapshot *Snapshot) uint64 {
	var max uint64
	for _, n := range snapshot.Networks {
		if n.Meta.Version.Index > max {
			max = n.Meta.Version.Index
		}
	}
	for _, d := range snapshot.Devices {
		if d.Meta.Version.Index > max {
			max = d.Meta.Version.Index
		}
	}
	for _, l := range snapshot.Links {
		if l.Meta.Version.Index > max {
			max = l.Meta.Version.Index
		}
	}
	return max
}

// WatchQueue returns the publish/subscribe queue.
func (s *MemoryStore) WatchQueue() *watch.Queue {
	return s.queue
}

// ViewAndWatch calls a callback which can observe the state of this
// MemoryStore. It also returns a channel that will return further events
// from this point so the snapshot can be kept up to date. The watch channel
// must be released with the returned cancel function when it is no longer
// needed.
func ViewAndWatch(store *MemoryStore, cb func(ReadTx) error, specifiers ...api.Event) (watch chan events.Event, cancel func(), err error) {
	// Using Update to lock the store and guarantee consistency between
	// the watcher and the state seen by the callback.
	err = store.Update(func(tx Tx) error {
		if err := cb(tx); err != nil {
			return err
		}
		watch, cancel = Watch(store.WatchQueue(), specifiers...)
		return nil
	})
	if watch != nil && err != nil {
		cancel()
		cancel = nil
		watch = nil
	}
	return
}
