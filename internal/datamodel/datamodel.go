// Package datamodel is the device data model behind the agent: the
// Backend contract the dispatcher drives, an in-memory Store with schema
// checks and instance bookkeeping, file and Redis persistence, and the
// registry of commands reachable through Operate.
package datamodel

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("datamodel: not found")
	ErrInvalidPath = errors.New("datamodel: invalid path")
	ErrValidation  = errors.New("datamodel: validation failed")
	ErrNotWritable = errors.New("datamodel: not writable")
	ErrOperation   = errors.New("datamodel: operation failed")
)

type ChangeKind int

const (
	ChangeValue ChangeKind = iota + 1
	ChangeObjectCreated
	ChangeObjectDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeValue:
		return "value"
	case ChangeObjectCreated:
		return "object_created"
	case ChangeObjectDeleted:
		return "object_deleted"
	default:
		return "unknown"
	}
}

// Change is emitted after a mutation is applied.
type Change struct {
	Kind       ChangeKind
	Path       string
	Value      string
	UniqueKeys map[string]string
	At         time.Time
}

// Backend is the data model as seen by the protocol engine.
type Backend interface {
	// Get resolves an instantiated, wildcarded or partial path into full
	// parameter paths and their values.
	Get(ctx context.Context, path string) (map[string]string, error)
	Set(ctx context.Context, path, value string) error
	// Add creates an instance of the table objPath and returns its path.
	Add(ctx context.Context, objPath string, params map[string]string) (string, error)
	Delete(ctx context.Context, objPath string) error
	Operate(ctx context.Context, command string, args map[string]string) (map[string]string, error)
	// Instances lists instance object paths at or below objPath.
	Instances(ctx context.Context, objPath string) ([]string, error)
	Changes() <-chan Change
}
