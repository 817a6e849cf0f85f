package replay

// bucket holds the records of one dump window in file order.
type bucket struct {
	records []Record
}

// terminalMs is the timestamp of the last record in the bucket.
func (b *bucket) terminalMs() int64 {
	return b.records[len(b.records)-1].TimestampMs
}

// index maps bucket keys to buckets. Buckets are created on first use.
type index struct {
	buckets map[int64]*bucket
	minKey  int64
	maxKey  int64
	records int
}

func newIndex() *index {
	return &index{buckets: make(map[int64]*bucket)}
}

// add appends rec to its bucket and reports whether its key precedes the
// highest key already indexed.
func (ix *index) add(rec Record) (outOfOrder bool) {
	key := rec.Key()
	if len(ix.buckets) == 0 {
		ix.minKey, ix.maxKey = key, key
	} else {
		outOfOrder = key < ix.maxKey
		if key < ix.minKey {
			ix.minKey = key
		}
		if key > ix.maxKey {
			ix.maxKey = key
		}
	}
	b := ix.buckets[key]
	if b == nil {
		b = &bucket{}
		ix.buckets[key] = b
	}
	b.records = append(b.records, rec)
	ix.records++
	return outOfOrder
}

func (ix *index) get(key int64) *bucket {
	return ix.buckets[key]
}

// bounds returns the lowest and highest keys indexed.
func (ix *index) bounds() (lo, hi int64, ok bool) {
	if len(ix.buckets) == 0 {
		return 0, 0, false
	}
	return ix.minKey, ix.maxKey, true
}

func (ix *index) len() int {
	return len(ix.buckets)
}
