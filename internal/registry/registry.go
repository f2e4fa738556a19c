// Package registry persists named workflow definitions so serve-mode hosts
// can register, list and run workflows without shipping files around. Run
// state is never persisted here; the registry stores definitions only.
package registry

import (
	"context"
	"time"

	"github.com/flowlet/flowlet/pkg/schema"
)

// StoredWorkflow is one registered definition plus its original source text.
// Source is authoritative: Definition is the parsed form cached alongside it.
type StoredWorkflow struct {
	Name       string                     `json:"name"`
	Source     string                     `json:"source"`
	Definition *schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                  `json:"created_at"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// Registry stores workflow definitions by name. Put is an upsert.
type Registry interface {
	Put(ctx context.Context, wf *StoredWorkflow) error
	Get(ctx context.Context, name string) (*StoredWorkflow, error)
	List(ctx context.Context) ([]*StoredWorkflow, error)
	Delete(ctx context.Context, name string) error
	Close() error
}

func notFound(name string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "workflow not registered: %s", name).
		WithWorkflow(name)
}
