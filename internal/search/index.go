// Package search maintains an in-memory full-text index over cache values,
// letting operators find keys by value content through the monitoring
// surface. Only values that are valid UTF-8 are indexed; binary payloads
// are skipped at the call site.
package search

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/pkg/errors"
)

// maxHits bounds how many keys a query returns.
const maxHits = 10

// document is the indexed shape of one cache entry.
type document struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Index is a memory-only full-text index keyed by cache key.
type Index struct {
	idx bleve.Index
}

// NewIndex builds an empty in-memory index.
func NewIndex() (*Index, error) {
	mapping := bleve.NewIndexMapping()
	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, errors.Wrap(err, "create search index")
	}
	return &Index{idx: idx}, nil
}

// AddDocument indexes value under key, replacing any prior document for
// the same key.
func (i *Index) AddDocument(key, value string) error {
	return i.idx.Index(key, document{Key: key, Value: value})
}

// Remove drops the document for key, if any.
func (i *Index) Remove(key string) error {
	return i.idx.Delete(key)
}

// Search runs a query-string search over indexed values and returns the
// matching cache keys, best first, capped at ten.
func (i *Index) Search(query string) ([]string, error) {
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequest(q)
	req.Size = maxHits

	res, err := i.idx.Search(req)
	if err != nil {
		return nil, errors.Wrap(err, "search")
	}

	keys := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		keys = append(keys, hit.ID)
	}
	return keys, nil
}

// Close releases the index.
func (i *Index) Close() error {
	return i.idx.Close()
}
