package weaviate

import (
	"context"
)

// ClientInterface defines the contract for Weaviate client operations.
// This interface enables mocking for testing the mirror.
type ClientInterface interface {
	// Schema operations
	GetClasses(ctx context.Context) ([]string, error)
	CreateClass(ctx context.Context, className string) error
	DeleteClass(ctx context.Context, className string) error

	// Object operations
	ObjectExists(ctx context.Context, className, objectID string) (bool, error)
	CreateObject(ctx context.Context, obj *Object) error
	UpdateObject(ctx context.Context, obj *Object) error
	DeleteObject(ctx context.Context, className, objectID string) error
}

// Verify that *Client implements ClientInterface at compile time
var _ ClientInterface = (*Client)(nil)
