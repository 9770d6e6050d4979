package kv

// Store is the key-value namespace behind the chain state. One Store is
// exclusively owned by one service: a shard's database belongs to the slave
// hosting it, the root database to the master.
type Store interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Has(key []byte) (bool, error)
	Delete(key []byte) error

	// NewBatch groups writes that must land atomically.
	NewBatch() Batch

	// Iterate calls fn for every key with the given prefix until fn returns
	// false. Key and value slices are only valid for the duration of the
	// call.
	Iterate(prefix []byte, fn func(key, value []byte) bool) error

	Close() error
}

// Batch collects writes for an atomic commit.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Write() error
}
