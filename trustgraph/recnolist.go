package trustgraph

import "github.com/gpgtrust/trustdb/store"

// recnoList records the (record number, type) pairs a reconciliation pass
// has retained, so the cleanup sweep afterwards can delete everything else.
type recnoList struct {
	items []recnoItem
}

type recnoItem struct {
	recno uint64
	typ   store.RecType
}

func (l *recnoList) insert(recno uint64, typ store.RecType) {
	l.items = append(l.items, recnoItem{recno: recno, typ: typ})
}

// contains reports whether the pair is in the list. A zero type matches any
// type.
func (l *recnoList) contains(recno uint64, typ store.RecType) bool {
	for _, it := range l.items {
		if it.recno == recno && (typ == store.TypeAny || it.typ == typ) {
			return true
		}
	}
	return false
}
