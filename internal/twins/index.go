// File: internal/twins/index.go
package twins

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

const integrationSteps = 200

// Index is an LSH index over MinHash signatures. It is scoped to one run.
type Index struct {
	threshold float64
	numPerm   int
	bands     int
	rows      int

	mu      sync.RWMutex
	buckets []map[string][]string
	sigs    map[string]Signature
	order   []string
}

// NewIndex builds an index whose banding minimises the equally weighted
// false positive and false negative probabilities around threshold.
func NewIndex(threshold float64, numPerm int) (*Index, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0, 1], got %v", threshold)
	}
	if numPerm < 2 {
		return nil, fmt.Errorf("num_perm must be at least 2, got %d", numPerm)
	}
	b, r := optimalParams(threshold, numPerm)
	ix := &Index{
		threshold: threshold,
		numPerm:   numPerm,
		bands:     b,
		rows:      r,
		buckets:   make([]map[string][]string, b),
		sigs:      make(map[string]Signature),
	}
	for i := range ix.buckets {
		ix.buckets[i] = make(map[string][]string)
	}
	return ix, nil
}

// Params returns the number of bands and rows per band.
func (ix *Index) Params() (bands, rows int) { return ix.bands, ix.rows }

// Len returns the number of inserted ids.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.sigs)
}

// Insert adds a signature. Re-inserting an id is a no-op.
func (ix *Index) Insert(id string, sig Signature) error {
	if len(sig) != ix.numPerm {
		return fmt.Errorf("signature for %s has %d values, index expects %d", id, len(sig), ix.numPerm)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.sigs[id]; ok {
		return nil
	}
	ix.sigs[id] = sig
	ix.order = append(ix.order, id)
	for band := 0; band < ix.bands; band++ {
		key := bandKey(sig[band*ix.rows : (band+1)*ix.rows])
		ix.buckets[band][key] = append(ix.buckets[band][key], id)
	}
	return nil
}

// Query returns the ids sharing at least one band with sig whose estimated
// similarity reaches the threshold, in insertion order.
func (ix *Index) Query(sig Signature) []string {
	if len(sig) != ix.numPerm {
		return nil
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	seen := make(map[string]struct{})
	for band := 0; band < ix.bands; band++ {
		key := bandKey(sig[band*ix.rows : (band+1)*ix.rows])
		for _, id := range ix.buckets[band][key] {
			seen[id] = struct{}{}
		}
	}
	var out []string
	for _, id := range ix.order {
		if _, ok := seen[id]; !ok {
			continue
		}
		if Jaccard(sig, ix.sigs[id]) >= ix.threshold {
			out = append(out, id)
		}
	}
	return out
}

// Twins returns the twins of an inserted id, excluding the id itself.
func (ix *Index) Twins(id string) []string {
	ix.mu.RLock()
	sig, ok := ix.sigs[id]
	ix.mu.RUnlock()
	if !ok {
		return nil
	}
	var out []string
	for _, other := range ix.Query(sig) {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}

// Annotate signs every record, indexes the non-merge ones and fills in their
// Minhash and Twins fields. Records whose message has no tokens are skipped.
func Annotate(h *Hasher, ix *Index, records []*schemas.CommitRecord) error {
	indexed := make([]*schemas.CommitRecord, 0, len(records))
	for _, rec := range records {
		if rec == nil || IsMerge(rec.Message) {
			continue
		}
		sig, ok := h.Sign(rec.Message)
		if !ok {
			continue
		}
		rec.Minhash = sig
		if err := ix.Insert(rec.ID, sig); err != nil {
			return err
		}
		indexed = append(indexed, rec)
	}
	for _, rec := range indexed {
		twins := ix.Twins(rec.ID)
		sort.Strings(twins)
		rec.Twins = twins
	}
	return nil
}

// optimalParams picks (bands, rows) with bands*rows <= numPerm.
func optimalParams(threshold float64, numPerm int) (int, int) {
	minErr := math.Inf(1)
	bestB, bestR := 1, numPerm
	for b := 1; b <= numPerm; b++ {
		for r := 1; r <= numPerm/b; r++ {
			fp := integrate(func(s float64) float64 { return collision(s, b, r) }, 0, threshold)
			fn := integrate(func(s float64) float64 { return 1 - collision(s, b, r) }, threshold, 1)
			if e := 0.5*fp + 0.5*fn; e < minErr {
				minErr, bestB, bestR = e, b, r
			}
		}
	}
	return bestB, bestR
}

// collision is the probability that two items of similarity s share a band.
func collision(s float64, b, r int) float64 {
	return 1 - math.Pow(1-math.Pow(s, float64(r)), float64(b))
}

// integrate uses the composite Simpson rule.
func integrate(f func(float64) float64, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	n := integrationSteps
	h := (hi - lo) / float64(n)
	sum := f(lo) + f(hi)
	for i := 1; i < n; i++ {
		x := lo + float64(i)*h
		if i%2 == 1 {
			sum += 4 * f(x)
		} else {
			sum += 2 * f(x)
		}
	}
	return sum * h / 3
}
