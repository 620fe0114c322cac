package weaviate

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is a mock implementation of ClientInterface for testing.
// It is safe for concurrent use.
type MockClient struct {
	mu sync.Mutex
	// Objects stores objects by "ClassName/ObjectID" key
	Objects map[string]*Object
	// Classes is the set of existing classes
	Classes map[string]bool
	// Err can be set to make methods return an error
	Err error
	// Creates and Updates count successful writes
	Creates int
	Updates int
}

// NewMockClient creates a new MockClient for testing.
func NewMockClient() *MockClient {
	return &MockClient{
		Objects: make(map[string]*Object),
		Classes: make(map[string]bool),
	}
}

// Object returns a stored object, or nil.
func (m *MockClient) Object(className, objectID string) *Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Objects[ObjectKey(className, objectID)]
}

// Count returns the number of stored objects of a class.
func (m *MockClient) Count(className string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, obj := range m.Objects {
		if obj.Class == className {
			n++
		}
	}
	return n
}

// SetErr sets the error returned by every method.
func (m *MockClient) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

// GetClasses returns all class names.
func (m *MockClient) GetClasses(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var classes []string
	for c := range m.Classes {
		classes = append(classes, c)
	}
	return classes, nil
}

// CreateClass adds a class.
func (m *MockClient) CreateClass(ctx context.Context, className string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.Classes[className] {
		return fmt.Errorf("class %s already exists", className)
	}
	m.Classes[className] = true
	return nil
}

// DeleteClass removes a class and its objects.
func (m *MockClient) DeleteClass(ctx context.Context, className string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Classes, className)
	for key, obj := range m.Objects {
		if obj.Class == className {
			delete(m.Objects, key)
		}
	}
	return nil
}

// ObjectExists reports whether an object is stored.
func (m *MockClient) ObjectExists(ctx context.Context, className, objectID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	_, ok := m.Objects[ObjectKey(className, objectID)]
	return ok, nil
}

// CreateObject adds an object to the mock store.
func (m *MockClient) CreateObject(ctx context.Context, obj *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if !m.Classes[obj.Class] {
		return fmt.Errorf("class %s not found", obj.Class)
	}
	key := ObjectKey(obj.Class, obj.ID)
	if _, ok := m.Objects[key]; ok {
		return fmt.Errorf("object already exists: %s", key)
	}
	m.Objects[key] = obj
	m.Creates++
	return nil
}

// UpdateObject replaces an object in the mock store.
func (m *MockClient) UpdateObject(ctx context.Context, obj *Object) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	key := ObjectKey(obj.Class, obj.ID)
	if _, ok := m.Objects[key]; !ok {
		return fmt.Errorf("object not found: %s", key)
	}
	m.Objects[key] = obj
	m.Updates++
	return nil
}

// DeleteObject removes an object from the mock store.
func (m *MockClient) DeleteObject(ctx context.Context, className, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.Objects, ObjectKey(className, objectID))
	return nil
}

// Verify MockClient implements ClientInterface
var _ ClientInterface = (*MockClient)(nil)
