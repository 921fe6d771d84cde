package kv

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type stubOwnership struct {
	owned bool
	err   error
}

func (s stubOwnership) ActorBelongsToRunner(context.Context, string, string) (bool, error) {
	return s.owned, s.err
}

type stubStore struct {
	result json.RawMessage
	err    error
}

func (s stubStore) Execute(context.Context, string, string, json.RawMessage) (json.RawMessage, error) {
	return s.result, s.err
}

func TestHandleSuccess(t *testing.T) {
	t.Parallel()

	h := &Handler{
		Ownership: stubOwnership{owned: true},
		Store:     stubStore{result: json.RawMessage(`{"ok":true}`)},
	}

	req, _ := json.Marshal(Request{ActorID: "a1", Operation: "get"})
	resp, kvErr := h.Handle(context.Background(), "runner-1", req)
	if kvErr != "" {
		t.Fatalf("unexpected kv error: %s", kvErr)
	}
	var decoded Response
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if decoded.Version != 1 {
		t.Fatalf("version = %d, want 1", decoded.Version)
	}
}

func TestHandleRejectsUnownedActor(t *testing.T) {
	t.Parallel()

	h := &Handler{
		Ownership: stubOwnership{owned: false},
		Store:     stubStore{},
	}
	req, _ := json.Marshal(Request{ActorID: "a1", Operation: "get"})
	_, kvErr := h.Handle(context.Background(), "runner-1", req)
	if kvErr == "" {
		t.Fatal("expected kv error for unowned actor")
	}
}

func TestHandleSurfacesStoreError(t *testing.T) {
	t.Parallel()

	h := &Handler{
		Ownership: stubOwnership{owned: true},
		Store:     stubStore{err: errors.New("boom")},
	}
	req, _ := json.Marshal(Request{ActorID: "a1", Operation: "get"})
	_, kvErr := h.Handle(context.Background(), "runner-1", req)
	if kvErr == "" {
		t.Fatal("expected kv error surfaced from store")
	}
}

func TestHandleMalformedRequest(t *testing.T) {
	t.Parallel()

	h := &Handler{Ownership: stubOwnership{owned: true}, Store: stubStore{}}
	_, kvErr := h.Handle(context.Background(), "runner-1", []byte("not json"))
	if kvErr == "" {
		t.Fatal("expected kv error for malformed request")
	}
}
