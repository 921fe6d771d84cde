package gatewayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"github.com/rivet-gg/pegboard-tunnel/internal/apierrors"
	"github.com/rivet-gg/pegboard-tunnel/internal/fanout"
)

// Namespace is the typed list item the namespaces endpoint returns, sorted
// by creation time descending like every other fanout/forward list (spec
// §4.6, §6 pagination contract).
type Namespace struct {
	Name     string `json:"name"`
	CreateTs int64  `json:"create_ts"`
}

// SortKey implements fanout.Item.
func (n Namespace) SortKey() int64 { return n.CreateTs }

// NamespaceLister answers the leader datacenter's local namespace listing.
// Backed by the out-of-scope workflow engine's namespace table.
type NamespaceLister interface {
	ListNamespaces(ctx context.Context, nameFilter string) ([]Namespace, error)
}

// NamespacesHandler implements GET /namespaces: the leader datacenter
// answers from Local, every other datacenter proxies the request verbatim
// to the leader and echoes its response unchanged (spec §4.6
// forward-to-leader, scenario S5).
type NamespacesHandler struct {
	IsLeader   bool
	LeaderURL  string
	HTTPClient *http.Client
	Local      NamespaceLister
}

func (h *NamespacesHandler) httpClient() *http.Client {
	if h.HTTPClient == nil {
		return http.DefaultClient
	}
	return h.HTTPClient
}

func (h *NamespacesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.IsLeader {
		h.forwardToLeader(w, r)
		return
	}

	items, err := h.Local.ListNamespaces(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeAPIError(w, apierrors.Internal("failed to list namespaces"))
		return
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].CreateTs > items[j].CreateTs })
	page := fanout.Page[Namespace]{Items: items, Pagination: fanout.Pagination{}}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(page)
}

// forwardToLeader proxies r to the leader verbatim via fanout.ForwardToLeader,
// parses the body as the typed list envelope to confirm the leader answered
// with a well-formed page, then echoes the response unchanged via
// fanout.CopyResponse (spec §4.6: "parses the response as the typed list
// envelope", S5).
func (h *NamespacesHandler) forwardToLeader(w http.ResponseWriter, r *http.Request) {
	target := h.LeaderURL
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	resp, err := fanout.ForwardToLeader(r.Context(), h.httpClient(), target, r)
	if err != nil {
		writeAPIError(w, apierrors.Internal("failed to reach leader datacenter"))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeAPIError(w, apierrors.Internal("failed to read leader response"))
		return
	}

	var page fanout.Page[Namespace]
	if err := json.Unmarshal(body, &page); err != nil {
		writeAPIError(w, apierrors.Internal("leader returned a malformed namespace list"))
		return
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	_ = fanout.CopyResponse(w, resp)
}
