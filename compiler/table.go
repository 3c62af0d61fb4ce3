package compiler

import "sync"

// table is the in-memory CompiledFunction store, keyed by content hash.
//
// It uses sync.Map because the key space stabilizes quickly (distinct
// pipeline contents are few) while lookups are frequent. Concurrent
// compilation of the same key is not synchronized: hashing is deterministic,
// so racers produce equivalent functions and the last store wins. Callers
// needing strict once-only compilation must serialize externally.
type table struct {
	m sync.Map // Key: content hash string, Value: *CompiledFunction
}

func (t *table) load(key string) (*CompiledFunction, bool) {
	v, ok := t.m.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*CompiledFunction), true
}

func (t *table) store(key string, f *CompiledFunction) {
	t.m.Store(key, f)
}
