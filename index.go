package spancache

import (
	"math"
	"sort"
)

// contentIndex is the in-memory directory of content records: key to record,
// id to key, and the id allocator. Persistence lives in indexStorage; the
// index itself is not safe for concurrent use and is guarded by the owning
// cache's mutex.
type contentIndex struct {
	keyToContent map[string]*cachedContent
	idToKey      map[int32]string
	storage      *indexStorage
	changed      bool
}

func newContentIndex(storage *indexStorage) *contentIndex {
	return &contentIndex{
		keyToContent: make(map[string]*cachedContent),
		idToKey:      make(map[int32]string),
		storage:      storage,
	}
}

// initialize loads the persisted index for the cache directory identified by
// uid. A missing or unreadable index file yields an empty index; the
// directory scan at cache startup heals any divergence, so load failure is
// never surfaced.
func (x *contentIndex) initialize(uid int64) {
	x.storage.initialize(uid)
	entries, ok := x.storage.load()
	if !ok {
		return
	}
	for _, e := range entries {
		if _, exists := x.idToKey[e.id]; exists {
			continue
		}
		x.keyToContent[e.key] = newCachedContent(e.id, e.key, e.metadata)
		x.idToKey[e.id] = e.key
	}
}

// store persists the full index atomically. No-op when nothing changed since
// the last store.
func (x *contentIndex) store() error {
	if !x.changed {
		return nil
	}
	records := x.all()
	entries := make([]indexEntry, 0, len(records))
	for _, c := range records {
		entries = append(entries, indexEntry{id: c.id, key: c.key, metadata: c.metadata})
	}
	if err := x.storage.store(entries); err != nil {
		return err
	}
	x.changed = false
	return nil
}

// getOrAdd returns the record for key, creating one with a newly assigned id
// if absent.
func (x *contentIndex) getOrAdd(key string) *cachedContent {
	if c, ok := x.keyToContent[key]; ok {
		return c
	}
	id := x.newID()
	c := newCachedContent(id, key, emptyContentMetadata)
	x.keyToContent[key] = c
	x.idToKey[id] = key
	x.changed = true
	return c
}

// assignIDForKey allocates (or returns the existing) id for key.
func (x *contentIndex) assignIDForKey(key string) int32 {
	return x.getOrAdd(key).id
}

// addRecovered registers a record recovered from an on-disk marker file. The
// in-memory index wins on conflicting ids or keys.
func (x *contentIndex) addRecovered(id int32, key string) {
	if _, exists := x.idToKey[id]; exists {
		return
	}
	if _, exists := x.keyToContent[key]; exists {
		return
	}
	x.keyToContent[key] = newCachedContent(id, key, emptyContentMetadata)
	x.idToKey[id] = key
	x.changed = true
}

func (x *contentIndex) get(key string) *cachedContent {
	return x.keyToContent[key]
}

func (x *contentIndex) keyForID(id int32) (string, bool) {
	key, ok := x.idToKey[id]
	return key, ok
}

// keys returns all tracked content keys in sorted order.
func (x *contentIndex) keys() []string {
	out := make([]string, 0, len(x.keyToContent))
	for key := range x.keyToContent {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// all returns every record sorted by id, the order records persist in.
func (x *contentIndex) all() []*cachedContent {
	out := make([]*cachedContent, 0, len(x.keyToContent))
	for _, c := range x.keyToContent {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// maybeRemove drops the record for key iff it holds no spans and no locks.
// Unknown keys and busy records are a no-op.
func (x *contentIndex) maybeRemove(key string) {
	c, ok := x.keyToContent[key]
	if !ok || len(c.spans) > 0 || !c.isFullyUnlocked() {
		return
	}
	delete(x.keyToContent, key)
	delete(x.idToKey, c.id)
	x.changed = true
}

// removeEmpty sweeps all records through maybeRemove.
func (x *contentIndex) removeEmpty() {
	for _, key := range x.keys() {
		x.maybeRemove(key)
	}
}

// applyMetadataMutations applies a mutation batch to key's record, creating
// it if needed. Reports whether the metadata changed.
func (x *contentIndex) applyMetadataMutations(key string, muts *MetadataMutations) bool {
	c := x.getOrAdd(key)
	next, changed := muts.apply(c.metadata)
	if changed {
		c.metadata = next
		x.changed = true
	}
	return changed
}

// newID returns the lowest non-negative id not currently in use. Freed ids
// are reused, keeping ids dense so filenames stay short and stable.
func (x *contentIndex) newID() int32 {
	for id := int32(0); ; id++ {
		if _, used := x.idToKey[id]; !used {
			return id
		}
		if id == math.MaxInt32 {
			break
		}
	}
	// Full id space: unreachable in practice.
	return 0
}
