package weaviate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/kilupskalvis/docgate/internal/models"
)

// DocumentIDProperty holds the document id on every mirrored object.
const DocumentIDProperty = "docgateId"

// Object is a Weaviate object mirrored from a document.
type Object struct {
	ID         string         `json:"id"`
	Class      string         `json:"class"`
	Properties map[string]any `json:"properties"`
}

// ObjectKey returns the unique key for an object.
func ObjectKey(className, objectID string) string {
	return className + "/" + objectID
}

// ObjectID derives a stable Weaviate UUID for a document of an index.
func ObjectID(uid, docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid+"/"+docID)).String()
}

// ClassName maps an index uid to a Weaviate class name. Class names must
// start with an upper case letter and contain only letters, digits and
// underscores.
func ClassName(prefix, uid string) string {
	name := strings.ReplaceAll(prefix+uid, "-", "_")
	r := rune(name[0])
	switch {
	case unicode.IsLower(r):
		return string(unicode.ToUpper(r)) + name[1:]
	case unicode.IsUpper(r):
		return name
	default:
		return "Index_" + name
	}
}

var propertyPattern = regexp.MustCompile(`[^_0-9A-Za-z]`)

// reserved property names that Weaviate rejects on objects.
var reserved = map[string]bool{"id": true, "_id": true, "_additional": true, "vector": true}

// PropertyName maps a document field name to a valid Weaviate property name.
func PropertyName(field string) string {
	name := propertyPattern.ReplaceAllString(field, "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "_" + name
	}
	if reserved[strings.ToLower(name)] {
		name = "doc_" + name
	}
	return name
}

// toObject converts a committed document into its mirrored object.
func toObject(class, uid, docID string, doc *models.Document) (*Object, error) {
	props := make(map[string]any, doc.Len()+1)
	for _, field := range doc.Fields() {
		raw, _ := doc.Get(field)
		if models.IsNull(raw) {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode field %q: %w", field, err)
		}
		props[PropertyName(field)] = v
	}
	props[DocumentIDProperty] = docID

	return &Object{
		ID:         ObjectID(uid, docID),
		Class:      class,
		Properties: props,
	}, nil
}
