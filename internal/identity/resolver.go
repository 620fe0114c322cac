// Package identity decides which field identifies the documents of an index
// and normalizes a batch so that no two documents share an id.
package identity

import (
	"strings"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/models"
)

// Batch is a resolved addition batch.
type Batch struct {
	PrimaryKey string
	// Documents holds one document per id, in first-seen order.
	Documents []*models.Document
	// Received is the batch size before duplicates were collapsed.
	Received int
}

// Resolve picks the primary key for docs and collapses duplicate ids.
//
// An explicit key takes precedence but must agree with an established one.
// Without either, the key is inferred from the first document. An empty batch
// with no key anywhere resolves to an empty key.
func Resolve(established, explicit string, method models.Method, docs []*models.Document) (*Batch, error) {
	key, err := choose(established, explicit, docs)
	if err != nil {
		return nil, err
	}

	batch := &Batch{PrimaryKey: key, Received: len(docs)}
	if key == "" {
		batch.Documents = docs
		return batch, nil
	}

	ids, err := Validate(key, docs)
	if err != nil {
		return nil, err
	}
	batch.Documents = collapse(ids, docs, method)
	return batch, nil
}

func choose(established, explicit string, docs []*models.Document) (string, error) {
	switch {
	case explicit != "":
		if established != "" && established != explicit {
			return "", docerr.New(docerr.CodePrimaryKeyConflict,
				"index already has the primary key `%s`, cannot use `%s`", established, explicit)
		}
		return explicit, nil
	case established != "":
		return established, nil
	case len(docs) == 0:
		return "", nil
	default:
		return Infer(docs)
	}
}

// Validate checks that every document holds a valid id under key and returns
// the canonical ids in batch order.
func Validate(key string, docs []*models.Document) ([]string, error) {
	ids := make([]string, len(docs))
	for i, doc := range docs {
		raw, ok := doc.Get(key)
		if !ok || models.IsNull(raw) {
			return nil, docerr.New(docerr.CodeMissingPrimaryKey,
				"document at position %d is missing the primary key `%s`", i, key).AtDocument(i)
		}
		id, ok := models.CanonicalID(raw)
		if !ok {
			return nil, docerr.New(docerr.CodeInvalidDocumentID,
				"document at position %d has an invalid id `%s`: ids must be integers or strings of alphanumeric characters, hyphens and underscores", i, strings.TrimSpace(string(raw))).AtDocument(i)
		}
		ids[i] = id
	}
	return ids, nil
}

// Infer returns the single field of the first document that looks like an id
// and holds a valid, unique id in every document of the batch.
func Infer(docs []*models.Document) (string, error) {
	if len(docs) == 0 {
		return "", docerr.New(docerr.CodePrimaryKeyInferenceFails,
			"cannot infer a primary key from an empty batch")
	}

	var candidates []string
	for _, field := range docs[0].Fields() {
		if !strings.Contains(strings.ToLower(field), "id") {
			continue
		}
		if qualifies(field, docs) {
			candidates = append(candidates, field)
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return "", docerr.New(docerr.CodePrimaryKeyInferenceFails,
			"could not infer a primary key: no field containing `id` holds a unique valid id in every document; set the primaryKey parameter")
	default:
		return "", docerr.New(docerr.CodePrimaryKeyInferenceFails,
			"could not infer a primary key: candidates are `%s`; set the primaryKey parameter",
			strings.Join(candidates, "`, `"))
	}
}

func qualifies(field string, docs []*models.Document) bool {
	seen := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		id, ok := doc.DocumentID(field)
		if !ok {
			return false
		}
		if _, dup := seen[id]; dup {
			return false
		}
		seen[id] = struct{}{}
	}
	return true
}

// collapse keeps one document per id at the position it was first seen.
// Replace keeps the later document; merge folds it onto the earlier one.
func collapse(ids []string, docs []*models.Document, method models.Method) []*models.Document {
	pos := make(map[string]int, len(ids))
	out := make([]*models.Document, 0, len(docs))
	for i, id := range ids {
		j, dup := pos[id]
		if !dup {
			pos[id] = len(out)
			out = append(out, docs[i])
			continue
		}
		if method == models.MethodMerge {
			out[j] = out[j].Merge(docs[i])
		} else {
			out[j] = docs[i]
		}
	}
	return out
}

// UniqueIDs drops repeated ids, keeping first-seen order.
func UniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
