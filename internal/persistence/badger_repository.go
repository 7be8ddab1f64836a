package persistence

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// Layout: each completed cloid is its own key under cloidPrefix with a
// TTL, so the duplicate-suppression window ages out inside the store
// instead of growing one blob forever. Saves from successive runs union
// rather than overwrite, which is exactly what fill dedup across a
// restart needs. Run metadata (id, timestamp, last summary) lives under
// a single meta key.
const (
	cloidPrefix = "completed/"
	metaKey     = "run/meta"

	// cloidTTL outlives the engine's in-memory 60s window by a wide
	// margin so a quick restart still suppresses replayed fills.
	cloidTTL = 6 * time.Hour
)

// runMeta is the stored shape of everything except the cloid window.
type runMeta struct {
	RunID       string          `json:"run_id"`
	SavedAt     time.Time       `json:"saved_at"`
	LastSummary json.RawMessage `json:"last_summary,omitempty"`
}

// badgerRepository is the BadgerDB implementation of Repository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) the database at dbPath.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging would interleave with ours; errors still
	// surface through return values.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

// SaveRunState writes the meta record and one TTL'd key per completed
// cloid in a single write batch. Cloids already present are re-set with a
// fresh TTL, which only extends their window; stored cloids missing from
// state are left in place until they expire.
func (r *badgerRepository) SaveRunState(state *RunState) error {
	meta, err := json.Marshal(runMeta{
		RunID:       state.RunID,
		SavedAt:     state.SavedAt,
		LastSummary: state.LastSummary,
	})
	if err != nil {
		return err
	}

	wb := r.db.NewWriteBatch()
	defer wb.Cancel()

	if err := wb.Set([]byte(metaKey), meta); err != nil {
		return err
	}
	for _, hex := range state.CompletedCloids {
		entry := badger.NewEntry([]byte(cloidPrefix+hex), nil).WithTTL(cloidTTL)
		if err := wb.SetEntry(entry); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// LoadRunState reassembles the state: meta record plus a prefix scan of
// the not-yet-expired cloid window. Returns (nil, nil) when the store
// holds neither.
func (r *badgerRepository) LoadRunState() (*RunState, error) {
	var (
		meta     *runMeta
		cloids   []string
		metaJSON []byte
	)

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaKey))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				metaJSON = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			// No meta yet; the cloid window may still exist.
		default:
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // keys carry all the information
		opts.Prefix = []byte(cloidPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			cloids = append(cloids, string(key[len(cloidPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if metaJSON != nil {
		var m runMeta
		if err := json.Unmarshal(metaJSON, &m); err != nil {
			return nil, err
		}
		meta = &m
	}
	if meta == nil && len(cloids) == 0 {
		return nil, nil
	}

	state := &RunState{CompletedCloids: cloids}
	if meta != nil {
		state.RunID = meta.RunID
		state.SavedAt = meta.SavedAt
		state.LastSummary = meta.LastSummary
	}
	return state, nil
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
