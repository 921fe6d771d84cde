// Package kvstub provides an always-allow OwnershipChecker and an
// in-memory Store so cmd/runner-connector can run standalone without the
// out-of-scope actor KV storage layer wired in.
package kvstub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Ownership always reports the actor as owned by whichever runner asks.
// Standalone/dev use only.
type Ownership struct{}

func (Ownership) ActorBelongsToRunner(context.Context, string, string) (bool, error) {
	return true, nil
}

// Store is a process-local map-backed KV store keyed by actor id.
type Store struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{data: make(map[string]json.RawMessage)}
}

// Execute supports "get" and "set" operations; any other operation name is
// an error surfaced back to the runner as a KV error string.
func (s *Store) Execute(_ context.Context, actorID, operation string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch operation {
	case "get":
		v, ok := s.data[actorID]
		if !ok {
			return json.RawMessage("null"), nil
		}
		return v, nil
	case "set":
		s.data[actorID] = append(json.RawMessage(nil), args...)
		return json.RawMessage("true"), nil
	default:
		return nil, fmt.Errorf("kvstub: unsupported operation %q", operation)
	}
}
