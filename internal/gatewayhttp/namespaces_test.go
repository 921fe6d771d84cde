package gatewayhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rivet-gg/pegboard-tunnel/internal/fanout"
)

// TestNamespacesHandlerForwardsToLeaderVerbatim covers S5: a non-leader
// gateway receiving GET /namespaces?name=alpha forwards verbatim to the
// leader peer URL, parses the response as the typed list envelope, and
// returns it to the caller unchanged.
func TestNamespacesHandlerForwardsToLeaderVerbatim(t *testing.T) {
	t.Parallel()

	want := fanout.Page[Namespace]{
		Items:      []Namespace{{Name: "alpha", CreateTs: 100}},
		Pagination: fanout.Pagination{Cursor: nil},
	}

	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("name"); got != "alpha" {
			t.Errorf("leader received name=%q, want alpha", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Leader-Datacenter", "dc-1")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(want)
	}))
	defer leader.Close()

	h := &NamespacesHandler{
		IsLeader:   false,
		LeaderURL:  leader.URL + "/namespaces",
		HTTPClient: leader.Client(),
	}

	r := httptest.NewRequest(http.MethodGet, "/namespaces?name=alpha", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Leader-Datacenter"); got != "dc-1" {
		t.Fatalf("X-Leader-Datacenter = %q, want dc-1 (headers must be verbatim)", got)
	}

	var got fanout.Page[Namespace]
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decoding forwarded body: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0] != want.Items[0] {
		t.Fatalf("body = %+v, want %+v (body must be verbatim)", got, want)
	}
}

// TestNamespacesHandlerLeaderAnswersLocally covers the leader-side half of
// the same endpoint: no forwarding, answers straight from Local.
func TestNamespacesHandlerLeaderAnswersLocally(t *testing.T) {
	t.Parallel()

	h := &NamespacesHandler{
		IsLeader: true,
		Local:    stubLister{items: []Namespace{{Name: "alpha", CreateTs: 100}}},
	}

	r := httptest.NewRequest(http.MethodGet, "/namespaces", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var got fanout.Page[Namespace]
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Name != "alpha" {
		t.Fatalf("items = %+v, want one namespace named alpha", got.Items)
	}
}

type stubLister struct {
	items []Namespace
}

func (s stubLister) ListNamespaces(context.Context, string) ([]Namespace, error) {
	return s.items, nil
}
