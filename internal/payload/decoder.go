// Package payload turns request bodies into ordered document batches.
//
// The content type is resolved once at the boundary into a closed set of
// variants; anything that is not a supported variant is Unsupported and is
// rejected before a single byte of the body is interpreted.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/models"
)

// ContentType is the decoded form of a request's Content-Type header.
type ContentType int

const (
	// Unsupported covers absent, unparsable and unknown media types.
	Unsupported ContentType = iota
	// JSON is a single JSON array of objects.
	JSON
)

func (c ContentType) String() string {
	switch c {
	case JSON:
		return "application/json"
	default:
		return "unsupported"
	}
}

// ParseContentType resolves a Content-Type header value.
func ParseContentType(header string) ContentType {
	if strings.TrimSpace(header) == "" {
		return Unsupported
	}
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return Unsupported
	}
	switch mediaType {
	case "application/json":
		return JSON
	default:
		return Unsupported
	}
}

// Decode reads the whole batch from r. Nothing is returned unless the entire
// payload parsed, so a failure never yields a partial batch.
func Decode(ct ContentType, r io.Reader) ([]*models.Document, error) {
	switch ct {
	case JSON:
		return decodeJSON(r)
	default:
		return nil, docerr.New(docerr.CodeUnsupportedMediaType,
			"the Content-Type must be application/json")
	}
}

func decodeJSON(r io.Reader) ([]*models.Document, error) {
	dec := json.NewDecoder(r)

	if err := expectArrayStart(dec); err != nil {
		return nil, err
	}

	docs := make([]*models.Document, 0)
	for dec.More() {
		start := dec.InputOffset()
		doc, err := models.DecodeDocument(dec)
		if err != nil {
			return nil, malformed(dec, err, start).AtDocument(len(docs))
		}
		docs = append(docs, doc)
	}

	if err := expectEnd(dec); err != nil {
		return nil, err
	}
	return docs, nil
}

// DecodeIDs reads a JSON array of string or integer document ids.
func DecodeIDs(r io.Reader) ([]string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	if err := expectArrayStart(dec); err != nil {
		return nil, err
	}

	ids := make([]string, 0)
	for dec.More() {
		start := dec.InputOffset()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, malformed(dec, err, start)
		}
		id, ok := models.CanonicalIDValue(v)
		if !ok {
			e := docerr.New(docerr.CodeInvalidDocumentID,
				"document id at position %d must be an integer or a string of alphanumeric characters, hyphens and underscores", len(ids))
			e.Position = start
			return nil, e.AtDocument(len(ids))
		}
		ids = append(ids, id)
	}

	if err := expectEnd(dec); err != nil {
		return nil, err
	}
	return ids, nil
}

func expectArrayStart(dec *json.Decoder) error {
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return docerr.Malformed(0, "missing payload: expected a JSON array")
	}
	if err != nil {
		return malformed(dec, err, 0)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return docerr.Malformed(0, "expected a JSON array")
	}
	return nil
}

func expectEnd(dec *json.Decoder) error {
	if _, err := dec.Token(); err != nil {
		return malformed(dec, err, dec.InputOffset())
	}
	if tok, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err != nil {
			return malformed(dec, err, dec.InputOffset())
		}
		return docerr.Malformed(dec.InputOffset(), "unexpected data after the JSON array: %v", tok)
	}
	return nil
}

// malformed converts a decode error into a MalformedPayload error with the
// most precise byte position available.
func malformed(dec *json.Decoder, err error, fallback int64) *docerr.Error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return docerr.New(docerr.CodePayloadTooLarge,
			"the payload exceeds the limit of %d bytes", maxErr.Limit)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return docerr.Malformed(syntaxErr.Offset, "invalid JSON at byte %d: %v", syntaxErr.Offset, syntaxErr)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return docerr.Malformed(dec.InputOffset(), "unexpected end of payload")
	}

	pos := dec.InputOffset()
	if pos < fallback {
		pos = fallback
	}
	return docerr.Malformed(pos, "%s", fmt.Sprint(err))
}
