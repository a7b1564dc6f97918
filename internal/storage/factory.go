package storage

import "fmt"

func DefaultStoreKind() string {
	return "memory"
}

// NewStore builds a store backend. path is the sqlite file or the badger
// directory; an empty badger path keeps the data in memory.
func NewStore(kind, path string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(path), nil
	case "badger":
		return NewBadgerStore(path), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
