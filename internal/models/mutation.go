package models

// Method selects how an addition treats existing documents.
type Method string

const (
	// MethodReplace overwrites matching documents entirely.
	MethodReplace Method = "replace"
	// MethodMerge unions incoming fields into matching documents.
	MethodMerge Method = "merge"
)

// MutationKind is the kind of change a mutation applies to an index.
type MutationKind string

const (
	MutationAdd    MutationKind = "add"
	MutationDelete MutationKind = "delete"
	MutationClear  MutationKind = "clear"
)

// Mutation is one queued change against a single index.
type Mutation struct {
	Kind MutationKind `json:"kind"`

	// Add
	Method     Method      `json:"method,omitempty"`
	PrimaryKey string      `json:"primary_key,omitempty"`
	Documents  []*Document `json:"documents,omitempty"`
	// Received is the batch size before duplicate ids were collapsed.
	Received int `json:"received,omitempty"`

	// Delete
	IDs []string `json:"ids,omitempty"`
}

// NewAddition creates an Add mutation.
func NewAddition(method Method, primaryKey string, docs []*Document, received int) *Mutation {
	return &Mutation{
		Kind:       MutationAdd,
		Method:     method,
		PrimaryKey: primaryKey,
		Documents:  docs,
		Received:   received,
	}
}

// NewDeletion creates a Delete mutation.
func NewDeletion(ids []string) *Mutation {
	return &Mutation{Kind: MutationDelete, IDs: ids}
}

// NewClear creates a Clear mutation.
func NewClear() *Mutation {
	return &Mutation{Kind: MutationClear}
}

// TaskType returns the task type recorded for this mutation.
func (m *Mutation) TaskType() TaskType {
	switch m.Kind {
	case MutationAdd:
		if m.Method == MethodMerge {
			return TaskDocumentPartial
		}
		return TaskDocumentAddition
	case MutationDelete:
		return TaskDocumentDeletion
	default:
		return TaskDocumentClear
	}
}

// Outcome is what the engine reports after applying a mutation.
type Outcome struct {
	Indexed    int
	Deleted    int
	PrimaryKey string
}
