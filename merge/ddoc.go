package merge

import (
	"context"

	"github.com/ankitprabhu/viewmerge/errors"
)

// DesignDocStore resolves the head design document for a database, the
// dependency a Merge Coordinator consults in §4.4 step 1. Implementations
// typically wrap a couch-style document store or an in-memory registry for
// tests.
type DesignDocStore interface {
	// Head returns the current design document for ddocID in db, or a
	// CodeNotFound error if db or ddocID does not exist.
	Head(ctx context.Context, db, ddocID string) (*DesignDoc, error)
}

// StaticDesignDocStore is a DesignDocStore backed by an in-memory map,
// useful for tests and for embedding a fixed set of views.
type StaticDesignDocStore struct {
	docs map[string]map[string]*DesignDoc
}

// NewStaticDesignDocStore returns an empty store.
func NewStaticDesignDocStore() *StaticDesignDocStore {
	return &StaticDesignDocStore{docs: make(map[string]map[string]*DesignDoc)}
}

// Put registers doc under db.
func (s *StaticDesignDocStore) Put(db string, doc *DesignDoc) {
	m := s.docs[db]
	if m == nil {
		m = make(map[string]*DesignDoc)
		s.docs[db] = m
	}
	m[doc.ID] = doc
}

// Head implements DesignDocStore.
func (s *StaticDesignDocStore) Head(ctx context.Context, db, ddocID string) (*DesignDoc, error) {
	m, ok := s.docs[db]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "db not found: "+db)
	}
	doc, ok := m[ddocID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, "ddoc not found: "+ddocID)
	}
	return doc, nil
}
