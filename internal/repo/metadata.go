package repo

import (
	"context"
	"fmt"

	"sprintline/internal/domain"
)

// EntityMetadata returns the key/value metadata phase validation checks
// against. Tasks carry free-form metadata; sprints expose their core
// fields under the same keys the workflow config references.
func (r Repo) EntityMetadata(ctx context.Context, entityKind, entityID string) (map[string]string, error) {
	switch entityKind {
	case domain.KindTask:
		t, err := r.GetTask(ctx, entityID)
		if err != nil {
			return nil, err
		}
		meta := map[string]string{}
		for k, v := range t.Metadata {
			meta[k] = v
		}
		return meta, nil
	case domain.KindSprint:
		sp, err := r.GetSprint(ctx, entityID)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"objective": sp.Goal,
			"title":     sp.Title,
		}, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %s", entityKind)
	}
}
