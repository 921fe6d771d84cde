// Package fanout implements the two cross-datacenter request patterns from
// spec §4.6: verbatim forward-to-leader, and parallel fanout-with-merge.
package fanout

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Item is anything with a sortable integer domain key (e.g. create_ts);
// Fanout renders the last item's key as a decimal-string cursor.
type Item interface {
	SortKey() int64
}

// Page is the typed list envelope every paginated list endpoint returns
// (spec §6 "Pagination").
type Page[T Item] struct {
	Items      []T        `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// Pagination carries the opaque cursor for the next page, or nil when
// exhausted.
type Pagination struct {
	Cursor *string `json:"cursor"`
}

// ForwardToLeader sends r's method, headers and body verbatim to leaderURL
// and returns the leader's response, per spec §4.6 "forward-to-leader". It
// does not parse the body or write anything to the client -- callers that
// need the typed contract decode the response themselves, and CopyResponse
// writes it back.
func ForwardToLeader(ctx context.Context, client *http.Client, leaderURL string, r *http.Request) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, leaderURL, r.Body)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CopyResponse writes resp's status, headers, and body to w unchanged,
// completing the forward-to-leader proxy.
func CopyResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}

// Caller issues one datacenter's request and returns its items, already
// sorted by SortKey descending as the contract requires of each peer.
type Caller[T Item] func(ctx context.Context) ([]T, error)

// Fanout issues callers in parallel, merges their results by SortKey
// descending, truncates to limit, and emits the next cursor (spec §4.6
// "fanout", P6). A single caller's error fails the whole fanout -- no
// best-effort partial results.
func Fanout[T Item](ctx context.Context, limit int, callers []Caller[T]) (Page[T], error) {
	results := make([][]T, len(callers))

	g, gctx := errgroup.WithContext(ctx)
	for i, caller := range callers {
		i, caller := i, caller
		g.Go(func() error {
			items, err := caller(gctx)
			if err != nil {
				return err
			}
			results[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Page[T]{}, err
	}

	merged := mergeDescending(results)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}

	var cursor *string
	if len(merged) > 0 {
		c := formatCursor(merged[len(merged)-1].SortKey())
		cursor = &c
	}

	return Page[T]{Items: merged, Pagination: Pagination{Cursor: cursor}}, nil
}

// mergeDescending merges N lists, each already sorted descending by
// SortKey, into one descending list (P6: order-preserving merge).
func mergeDescending[T Item](lists [][]T) []T {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	merged := make([]T, 0, total)
	for _, l := range lists {
		merged = append(merged, l...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SortKey() > merged[j].SortKey()
	})
	return merged
}

func formatCursor(key int64) string {
	data, _ := json.Marshal(key)
	// Cursors are opaque decimal strings per spec §6; json.Marshal of an
	// int64 produces exactly that, without quotes.
	return string(data)
}
