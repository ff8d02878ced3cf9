package offline

import (
	"errors"
	"maps"
	"time"
)

// ErrEntityDeleted is returned by Enqueue when an update targets an entity
// whose delete is already queued. The delete stays queued unchanged.
var ErrEntityDeleted = errors.New("offline: entity has a pending delete")

// mergeAction tells Enqueue what to do with the queue slot of the existing
// operation.
type mergeAction int

const (
	mergeReplace mergeAction = iota // overwrite the existing slot with the result
	mergeCancel                     // drop the existing slot, store nothing
	mergeReject                     // leave the queue untouched
)

// mergeOps coalesces incoming into existing. The result keeps the existing
// operation's ID and retry count unless the existing operation is superseded
// outright (update followed by delete).
//
//	create + update -> create, data merged
//	create + delete -> nothing queued
//	create + create -> create, data merged
//	update + update -> update, data merged
//	update + create -> update, data merged
//	update + delete -> the delete
//	delete + create -> update carrying the new data
//	delete + update -> rejected, delete kept
//	delete + delete -> delete, timestamp refreshed
func mergeOps(existing, incoming Operation, now time.Time) (Operation, mergeAction, error) {
	switch existing.Type {
	case OpCreate, OpUpdate:
		if incoming.Type == OpDelete {
			if existing.Type == OpCreate {
				return Operation{}, mergeCancel, nil
			}

			return incoming, mergeReplace, nil
		}

		merged := existing.clone()
		merged.Data = shallowMerge(existing.Data, incoming.Data)
		merged.Timestamp = now

		return merged, mergeReplace, nil

	case OpDelete:
		switch incoming.Type {
		case OpCreate:
			resurrected := existing.clone()
			resurrected.Type = OpUpdate
			resurrected.Data = maps.Clone(incoming.Data)
			resurrected.Timestamp = now
			resurrected.RetryCount = 0

			return resurrected, mergeReplace, nil
		case OpUpdate:
			return existing, mergeReject, ErrEntityDeleted
		default:
			refreshed := existing.clone()
			refreshed.Timestamp = now

			return refreshed, mergeReplace, nil
		}
	}

	// Unknown existing type (hand-edited blob): the incoming operation wins.
	return incoming, mergeReplace, nil
}

// shallowMerge returns base overlaid with override. Neither input is modified.
func shallowMerge(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}

	out := make(map[string]any, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)

	return out
}
