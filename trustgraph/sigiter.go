package trustgraph

import (
	"github.com/gpgtrust/trustdb/log"
	"github.com/gpgtrust/trustdb/store"
)

// sigIter walks all signature slots of a subject key: every non-deleted
// slot of every Sig record of every UID record, lazily and in chain order.
// The iterator is single pass and cannot be restarted.
type sigIter struct {
	st  *store.Store
	lid uint64

	initDone bool
	eof      bool
	nextUID  uint64
	rec      *store.Sig
	index    int
}

func newSigIter(st *store.Store, lid uint64) *sigIter {
	return &sigIter{st: st, lid: lid}
}

// next returns the signer LID and flag of the next slot. ok is false once
// the chain is exhausted, or immediately when the subject LID does not name
// a directory record.
func (c *sigIter) next() (sigLID uint64, flag byte, ok bool) {
	if c.eof {
		return 0, 0, false
	}
	if !c.initDone {
		c.initDone = true
		rec, err := c.st.TryRead(c.lid, store.TypeAny)
		if err != nil {
			c.eof = true
			return 0, 0, false
		}
		dir, isDir := rec.(*store.Dir)
		if !isDir {
			c.eof = true
			return 0, 0, false
		}
		c.nextUID = dir.UIDList
		// force the first Sig record read
		c.index = store.SigsPerRecord
		c.rec = &store.Sig{}
	}
	// skip deleted slots, following sig chains and then uid chains
	for {
		if c.index >= store.SigsPerRecord {
			rnum := c.rec.Next
			for rnum == 0 && c.nextUID != 0 {
				urec := c.st.ReadUID(c.nextUID)
				c.nextUID = urec.Next
				rnum = urec.SigList
			}
			if rnum == 0 {
				c.eof = true
				return 0, 0, false
			}
			c.rec = c.st.ReadSig(rnum)
			if c.rec.LID != c.lid {
				c.eof = true
				log.Crit("Chained sig record has a wrong owner", "recnum", rnum, "owner", c.rec.LID, "want", c.lid,
					"hint", `the trust database is corrupted and must be repaired`)
			}
			c.index = 0
		}
		i := c.index
		c.index++
		if c.rec.Sigs[i].LID != 0 {
			return c.rec.Sigs[i].LID, c.rec.Sigs[i].Flag, true
		}
	}
}
