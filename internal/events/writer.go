// Package events appends audit records for engine mutations. Records are
// written inside the mutation's transaction so both commit or neither does.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TeamCreate        = "team.create"
	ThroughputSet     = "throughput.set"
	ThroughputRebuild = "throughput.rebuild"
	ItemCreate        = "item.create"
	ItemStatus        = "item.status"
	ItemComplete      = "item.complete"
	ItemRank          = "item.rank"
	ProjectCreate     = "project.create"
	ObjectiveCreate   = "objective.create"
	ObjectiveAssign   = "objective.assign"
	ObjectiveUnassign = "objective.unassign"
	ObjectiveRefine   = "objective.refine"
	DependencyAdd     = "dependency.add"
	DependencyRemove  = "dependency.remove"
	APIKeyCreate      = "apikey.create"
	APIKeyRevoke      = "apikey.revoke"

	// DefaultActor is used when no actor is attached to the context.
	DefaultActor = "local-user"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

type actorKey struct{}

// WithActor records who performs mutations made with ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor set by WithActor, or DefaultActor.
func ActorFrom(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id
	}
	return DefaultActor
}

// Append writes one event row. The actor comes from ctx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(projectID), entityKind, nullable(entityID), ActorFrom(ctx), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
