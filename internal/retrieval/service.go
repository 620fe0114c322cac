// Package retrieval serves paginated, projected reads of committed documents.
package retrieval

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/engine"
	"github.com/kilupskalvis/docgate/internal/models"
)

// AllAttributes selects every field of a document.
const AllAttributes = "*"

// Service reads committed documents. It never retries: a transient engine
// failure is reported to the caller as is.
type Service struct {
	engine   engine.Engine
	validate *validator.Validate
}

// NewService creates a Service reading from e.
func NewService(e engine.Engine) *Service {
	return &Service{engine: e, validate: validator.New()}
}

// List returns one page of documents in natural order, projected to q.Attributes.
func (s *Service) List(ctx context.Context, uid string, q models.RetrievalQuery) ([]*models.Document, error) {
	if err := s.check(uid, q); err != nil {
		return nil, err
	}

	docs, err := s.engine.Documents(ctx, uid, q.Offset, q.Limit)
	if err != nil {
		return nil, err
	}

	attrs, all := projection(q.Attributes)
	if all {
		return docs, nil
	}
	out := make([]*models.Document, len(docs))
	for i, d := range docs {
		out[i] = d.Project(attrs)
	}
	return out, nil
}

// Get returns one document by id, projected to attributes.
func (s *Service) Get(ctx context.Context, uid, rawID string, attributes []string) (*models.Document, error) {
	if err := s.check(uid, models.RetrievalQuery{Attributes: attributes}); err != nil {
		return nil, err
	}
	id, ok := models.CanonicalIDValue(rawID)
	if !ok {
		return nil, docerr.New(docerr.CodeInvalidDocumentID,
			"document id `%s` must contain only alphanumeric characters, hyphens and underscores", rawID)
	}

	doc, err := s.engine.Document(ctx, uid, id)
	if err != nil {
		return nil, err
	}

	attrs, all := projection(attributes)
	if all {
		return doc, nil
	}
	return doc.Project(attrs), nil
}

// Index returns the committed metadata of an index.
func (s *Service) Index(ctx context.Context, uid string) (*models.IndexInfo, error) {
	if !models.ValidIndexUID(uid) {
		return nil, invalidUID(uid)
	}
	return s.engine.Index(ctx, uid)
}

func (s *Service) check(uid string, q models.RetrievalQuery) error {
	if !models.ValidIndexUID(uid) {
		return invalidUID(uid)
	}
	if err := s.validate.Struct(q); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return docerr.New(docerr.CodeBadRequest, "invalid %s: failed on the '%s' rule",
				strings.ToLower(fe.Field()), fe.Tag())
		}
		return docerr.Wrap(docerr.CodeBadRequest, err, "invalid query: %v", err)
	}
	return nil
}

func invalidUID(uid string) error {
	return docerr.New(docerr.CodeInvalidIndexUID,
		"`%s` is not a valid index uid: use 1 to 400 alphanumeric characters, hyphens and underscores", uid)
}

// projection reports the fields to keep, or all=true when no projection applies.
func projection(attributes []string) (attrs []string, all bool) {
	if attributes == nil {
		return nil, true
	}
	for _, a := range attributes {
		if a == AllAttributes {
			return nil, true
		}
	}
	return attributes, false
}
