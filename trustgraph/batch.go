package trustgraph

import (
	"errors"

	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
)

// BatchStats counts the outcome of a batch pass over the trust database or
// the keyring. Individual failures never stop the batch.
type BatchStats struct {
	Processed uint64
	Updated   uint64
	Inserted  uint64
	Errors    uint64
	Skipped   uint64
}

// progressInterval is how many keys a batch processes between progress
// reports.
const progressInterval = 100

func (s *BatchStats) step() {
	s.Processed++
	if s.Processed%progressInterval == 0 {
		log.Info("Keys so far processed", "count", s.Processed)
	}
}

func (s *BatchStats) report() {
	log.Info("Keys processed", "count", s.Processed)
	if s.Skipped != 0 {
		log.Info("Keys skipped", "count", s.Skipped)
	}
	if s.Errors != 0 {
		log.Info("Keys with errors", "count", s.Errors)
	}
	if s.Updated != 0 {
		log.Info("Keys updated", "count", s.Updated)
	}
	if s.Inserted != 0 {
		log.Info("Keys inserted", "count", s.Inserted)
	}
}

// CheckTrustDB re-reconciles either one key (by name) or every key that has
// a directory record against its current keyblock.
func (db *DB) CheckTrustDB(username string) (BatchStats, error) {
	var stats BatchStats
	if username != "" {
		kb, err := db.ring.KeyblockByName(username)
		if err != nil {
			log.Error("Keyblock read problem", "user", username, "err", err)
			return stats, ErrNoPubkey
		}
		stats.step()
		db.checkOne(kb, &stats, username)
		db.store.Sync()
		return stats, nil
	}

	// snapshot the dir records first: reconciliation mutates the store
	// under the iteration otherwise
	var dirs []uint64
	err := db.store.ForEach(func(rec store.Record) error {
		if dir, ok := rec.(*store.Dir); ok {
			dirs = append(dirs, dir.Recnum)
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	for _, recno := range dirs {
		dir := db.store.ReadDir(recno)
		stats.step()
		if dir.Keylist == 0 {
			log.Info("Dir record without key - skipped", "lid", recno)
			stats.Skipped++
			continue
		}
		krec := db.store.ReadKey(dir.Keylist)
		kb, err := db.ring.KeyblockByFingerprint(krec.Fingerprint)
		if err != nil {
			log.Error("Keyblock not found", "lid", recno, "err", err)
			stats.Skipped++
			continue
		}
		var modified bool
		if err := db.UpdateTrustRecord(kb, &modified); err != nil {
			log.Error("Update failed", "lid", recno, "err", err)
			stats.Errors++
		} else if modified {
			if db.verbose {
				log.Info("Key updated", "lid", recno)
			}
			stats.Updated++
		}
	}
	stats.report()
	db.store.Sync()
	return stats, nil
}

func (db *DB) checkOne(kb *Keyblock, stats *BatchStats, username string) {
	var modified bool
	err := db.UpdateTrustRecord(kb, &modified)
	if errors.Is(err, ErrNotFound) {
		err = db.InsertTrustRecord(kb.PrimaryKey())
		if err == nil {
			stats.Inserted++
		}
	} else if err == nil && modified {
		stats.Updated++
	}
	if err != nil {
		log.Error("Update failed", "user", username, "err", err)
		stats.Errors++
	} else if modified {
		log.Info("Key updated", "user", username)
	} else {
		log.Info("Key okay", "user", username)
	}
}

// UpdateTrustDB walks the whole public keyring, reconciling every keyblock
// and inserting the ones the trust database has not seen yet.
func (db *DB) UpdateTrustDB() (BatchStats, error) {
	var stats BatchStats
	err := db.ring.ForEachKeyblock(func(kb *Keyblock) error {
		stats.step()
		var modified bool
		switch err := db.UpdateTrustRecord(kb, &modified); {
		case errors.Is(err, ErrNotFound):
			pk := kb.PrimaryKey()
			if err := db.InsertTrustRecord(pk); err != nil {
				log.Error("Insert failed", "lid", pk.LocalID, "err", err)
				stats.Errors++
			} else {
				if db.verbose {
					log.Info("Key inserted", "lid", pk.LocalID)
				}
				stats.Inserted++
			}
		case err != nil:
			log.Error("Update failed", "lid", db.LIDFromKeyblock(kb), "err", err)
			stats.Errors++
		case modified:
			if db.verbose {
				log.Info("Key updated", "lid", db.LIDFromKeyblock(kb))
			}
			stats.Updated++
		}
		return nil
	})
	if err != nil {
		log.Error("Keyblock enumeration failed", "err", err)
	}
	stats.report()
	db.store.Sync()
	return stats, err
}
