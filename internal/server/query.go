package server

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/kilupskalvis/docgate/internal/docerr"
	"github.com/kilupskalvis/docgate/internal/models"
)

// Query parameter names.
const (
	paramOffset     = "offset"
	paramLimit      = "limit"
	paramAttributes = "attributesToRetrieve"
	paramPrimaryKey = "primaryKey"
	paramFrom       = "from"
	paramStatus     = "status"
)

// strictQuery rejects any parameter outside allowed, and any allowed
// parameter given more than once.
func strictQuery(values url.Values, allowed ...string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		known := false
		for _, a := range allowed {
			if k == a {
				known = true
				break
			}
		}
		if !known {
			if len(allowed) == 0 {
				return docerr.New(docerr.CodeBadRequest, "unknown parameter `%s`: this route takes no parameters", k)
			}
			return docerr.New(docerr.CodeBadRequest, "unknown parameter `%s`: expected one of %s",
				k, strings.Join(allowed, ", "))
		}
		if len(values[k]) > 1 {
			return docerr.New(docerr.CodeBadRequest, "parameter `%s` must be given at most once", k)
		}
	}
	return nil
}

// intParam parses an optional non-negative integer parameter.
func intParam(values url.Values, name string, def int) (int, error) {
	raw := values.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, docerr.New(docerr.CodeBadRequest, "invalid value for `%s`: %q is not a non-negative integer", name, raw)
	}
	return n, nil
}

// attributesParam splits a comma-separated attribute list. An absent or empty
// parameter selects every field.
func attributesParam(values url.Values) []string {
	raw, ok := values[paramAttributes]
	if !ok {
		return nil
	}
	var attrs []string
	for _, a := range strings.Split(raw[0], ",") {
		if a = strings.TrimSpace(a); a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

func retrievalQuery(values url.Values) (models.RetrievalQuery, error) {
	if err := strictQuery(values, paramOffset, paramLimit, paramAttributes); err != nil {
		return models.RetrievalQuery{}, err
	}
	offset, err := intParam(values, paramOffset, 0)
	if err != nil {
		return models.RetrievalQuery{}, err
	}
	limit, err := intParam(values, paramLimit, models.DefaultRetrieveLimit)
	if err != nil {
		return models.RetrievalQuery{}, err
	}
	return models.RetrievalQuery{Offset: offset, Limit: limit, Attributes: attributesParam(values)}, nil
}
