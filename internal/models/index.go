package models

import (
	"regexp"
	"time"
)

var indexUIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,400}$`)

// ValidIndexUID reports whether uid is an acceptable index identifier.
func ValidIndexUID(uid string) bool {
	return indexUIDPattern.MatchString(uid)
}

// IndexInfo is the committed metadata of an index.
type IndexInfo struct {
	UID        string    `json:"uid"`
	PrimaryKey string    `json:"primaryKey,omitempty"`
	Documents  int       `json:"numberOfDocuments"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RetrievalQuery pages and projects a document listing.
type RetrievalQuery struct {
	Offset     int      `validate:"gte=0"`
	Limit      int      `validate:"gte=0"`
	Attributes []string `validate:"omitempty,dive,required"`
}

// DefaultRetrieveLimit is the page size when none is given.
const DefaultRetrieveLimit = 20
