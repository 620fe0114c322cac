// Package weaviate mirrors committed documents into Weaviate classes.
//
// Each index maps to one class and each document to one object whose UUID is
// derived from the index uid and the document id, so replaying a task is
// harmless.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	weaviatemodels "github.com/weaviate/weaviate/entities/models"
)

// ServerVersion holds parsed Weaviate version info
type ServerVersion struct {
	Version string // e.g., "1.25.0"
	Major   int
	Minor   int
	Patch   int
}

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)`)

// parseVersion parses a version string like "1.25.0" into ServerVersion
func parseVersion(version string) (*ServerVersion, error) {
	matches := versionPattern.FindStringSubmatch(version)
	if len(matches) < 4 {
		return nil, fmt.Errorf("invalid version format: %s", version)
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])
	patch, _ := strconv.Atoi(matches[3])

	return &ServerVersion{
		Version: version,
		Major:   major,
		Minor:   minor,
		Patch:   patch,
	}, nil
}

// SupportsAutoSchema reports whether the server adds properties on insert,
// which the mirror relies on.
func (v *ServerVersion) SupportsAutoSchema() bool {
	return v.Major > 1 || (v.Major == 1 && v.Minor >= 20)
}

// Client wraps the Weaviate client with mirror-specific functionality
type Client struct {
	client *weaviate.Client
	url    string
}

// NewClient creates a new Weaviate client
func NewClient(url string) (*Client, error) {
	cfg := weaviate.Config{
		Host:   url,
		Scheme: "http",
	}

	if host, ok := strings.CutPrefix(url, "http://"); ok {
		cfg.Host = host
	} else if host, ok := strings.CutPrefix(url, "https://"); ok {
		cfg.Host = host
		cfg.Scheme = "https"
	}

	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	return &Client{
		client: client,
		url:    url,
	}, nil
}

// Ping checks if Weaviate is reachable
func (c *Client) Ping(ctx context.Context) error {
	live, err := c.client.Misc().LiveChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to Weaviate: %w", err)
	}
	if !live {
		return fmt.Errorf("weaviate is not live")
	}
	return nil
}

// GetServerVersion fetches and parses the Weaviate server version
func (c *Client) GetServerVersion(ctx context.Context) (*ServerVersion, error) {
	meta, err := c.client.Misc().MetaGetter().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get server metadata: %w", err)
	}
	return parseVersion(meta.Version)
}

// GetClasses returns all class names in the schema
func (c *Client) GetClasses(ctx context.Context) ([]string, error) {
	schema, err := c.client.Schema().Getter().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}

	var classes []string
	for _, class := range schema.Classes {
		classes = append(classes, class.Class)
	}
	return classes, nil
}

// CreateClass creates a class without a vectorizer. Properties are added by
// auto-schema as objects arrive.
func (c *Client) CreateClass(ctx context.Context, className string) error {
	return c.client.Schema().ClassCreator().
		WithClass(&weaviatemodels.Class{
			Class:       className,
			Description: "documents mirrored by docgate",
			Vectorizer:  "none",
		}).
		Do(ctx)
}

// DeleteClass deletes a class and all its objects. A missing class is not an error.
func (c *Client) DeleteClass(ctx context.Context, className string) error {
	err := c.client.Schema().ClassDeleter().WithClassName(className).Do(ctx)
	if isNotFound(err) {
		return nil
	}
	return err
}

// ObjectExists checks if an object exists in Weaviate
func (c *Client) ObjectExists(ctx context.Context, className, objectID string) (bool, error) {
	objs, err := c.client.Data().ObjectsGetter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return len(objs) > 0, nil
}

// DeleteObject deletes an object by class and ID. A missing object is not an error.
func (c *Client) DeleteObject(ctx context.Context, className, objectID string) error {
	err := c.client.Data().Deleter().
		WithClassName(className).
		WithID(objectID).
		Do(ctx)
	if isNotFound(err) {
		return nil
	}
	return err
}

// CreateObject creates a new object
func (c *Client) CreateObject(ctx context.Context, obj *Object) error {
	_, err := c.client.Data().Creator().
		WithClassName(obj.Class).
		WithID(obj.ID).
		WithProperties(obj.Properties).
		Do(ctx)
	return err
}

// UpdateObject replaces the properties of an existing object
func (c *Client) UpdateObject(ctx context.Context, obj *Object) error {
	return c.client.Data().Updater().
		WithClassName(obj.Class).
		WithID(obj.ID).
		WithProperties(obj.Properties).
		Do(ctx)
}

func isNotFound(err error) bool {
	var werr *fault.WeaviateClientError
	return errors.As(err, &werr) && werr.StatusCode == http.StatusNotFound
}
