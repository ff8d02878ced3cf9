// Package offline implements the durable queue of mutations recorded while
// the backend was unreachable. Each entity has at most one pending operation:
// a new mutation against an already queued entity is merged into it.
package offline

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType names a backend table the client writes to. The set is closed.
type EntityType string

const (
	EntityVehicle     EntityType = "vehicle"
	EntityMaintenance EntityType = "maintenance"
	EntityExpense     EntityType = "expense"
	EntityDocument    EntityType = "document"
	EntitySettings    EntityType = "settings"
)

// EntityTypes lists every valid EntityType in a stable order.
var EntityTypes = []EntityType{
	EntityVehicle,
	EntityMaintenance,
	EntityExpense,
	EntityDocument,
	EntitySettings,
}

// Valid reports whether e is one of the known entity types.
func (e EntityType) Valid() bool {
	for _, t := range EntityTypes {
		if e == t {
			return true
		}
	}

	return false
}

// ParseEntityType converts user input into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}

	return e, nil
}

// OpType is the kind of mutation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Valid reports whether o is create, update or delete.
func (o OpType) Valid() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// ParseOpType converts user input into an OpType.
func ParseOpType(s string) (OpType, error) {
	o := OpType(strings.ToLower(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", fmt.Errorf("unknown operation type %q (want create, update or delete)", s)
	}

	return o, nil
}

// Operation is one pending mutation against one entity. The JSON field names
// are the persisted format of the queue blob.
type Operation struct {
	ID         string         `json:"id"`
	EntityType EntityType     `json:"entityType"`
	Type       OpType         `json:"operationType"`
	EntityID   string         `json:"entityId"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RetryCount int            `json:"retryCount"`
	// Revision counts merges into this queue slot.
	Revision int `json:"revision,omitempty"`
}

// sameEntity reports whether two operations target the same row.
func (op *Operation) sameEntity(entityType EntityType, entityID string) bool {
	return op.EntityType == entityType && op.EntityID == entityID
}

// clone returns a copy whose Data map is not shared with op.
func (op Operation) clone() Operation {
	if op.Data != nil {
		op.Data = maps.Clone(op.Data)
	}

	return op
}

// TempIDPrefix marks entity IDs generated locally for rows created offline.
const TempIDPrefix = "temp_"

// NewTempID returns a fresh temporary entity ID.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated locally and has not yet been
// replaced by a server-assigned ID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// ReferenceFields are the data fields holding a parent entity's ID. They are
// rewritten by Queue.UpdateEntityID alongside the entity IDs themselves.
var ReferenceFields = []string{"vehicle_id"}

// References returns the temporary IDs op depends on: its own entity ID when
// op is not the create that introduces it, plus any temporary reference field.
func (op *Operation) References() []string {
	var refs []string

	if op.Type != OpCreate && IsTempID(op.EntityID) {
		refs = append(refs, op.EntityID)
	}

	for _, f := range ReferenceFields {
		if v, ok := op.Data[f].(string); ok && IsTempID(v) {
			refs = append(refs, v)
		}
	}

	return refs
}
