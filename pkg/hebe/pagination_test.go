package hebe_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/jmerrifield20/hebe/pkg/hebe"
)

// pagedServer serves total items with ids 1..total, honouring pageSize and
// lastId, and records the query of every call.
func pagedServer(t *testing.T, total int) (*httptest.Server, func() []url.Values) {
	t.Helper()
	var mu sync.Mutex
	var calls []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		mu.Lock()
		calls = append(calls, q)
		mu.Unlock()

		size, _ := strconv.Atoi(q.Get("pageSize"))
		start := 1
		if s := q.Get("lastId"); s != "" {
			last, _ := strconv.Atoi(s)
			start = last + 1
		}
		n := total - start + 1
		if n > size {
			n = size
		}
		if n < 0 {
			n = 0
		}
		writeEnvelope(w, hebe.TypeList, items(start, n))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []url.Values {
		mu.Lock()
		defer mu.Unlock()
		return append([]url.Values(nil), calls...)
	}
}

func TestGetAll_pages(t *testing.T) {
	tests := []struct {
		name      string
		total     int
		wantCalls int
	}{
		{"short first page", 3, 1},
		{"empty", 0, 1},
		{"exactly full page", 5, 2},
		{"two pages and a bit", 12, 3},
		{"exact multiple", 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := pagedServer(t, tt.total)
			c := registeredClient(t, srv, hebe.WithPageSize(5))

			params := url.Values{"pupilId": {"111"}, "lastSyncDate": {"2023-03-01T00:00:00"}}
			got, err := c.GetAll(context.Background(), "grade/byPupil", params)
			if err != nil {
				t.Fatalf("GetAll: %v", err)
			}
			if len(got) != tt.total {
				t.Errorf("items: got %d, want %d", len(got), tt.total)
			}
			for i, it := range got {
				var v struct {
					ID int `json:"Id"`
				}
				if err := json.Unmarshal(it, &v); err != nil || v.ID != i+1 {
					t.Errorf("item %d: got %s, want Id %d", i, it, i+1)
				}
			}

			cs := calls()
			if len(cs) != tt.wantCalls {
				t.Fatalf("calls: got %d, want %d", len(cs), tt.wantCalls)
			}
			for i, q := range cs {
				if q.Get("pageSize") != "5" {
					t.Errorf("call %d: pageSize %q", i, q.Get("pageSize"))
				}
				if q.Get("pupilId") != "111" || q.Get("lastSyncDate") != "2023-03-01T00:00:00" {
					t.Errorf("call %d: caller params not passed unchanged: %v", i, q)
				}
				if i == 0 {
					if q.Has("lastId") {
						t.Error("first call must not send lastId")
					}
					continue
				}
				if want := strconv.Itoa(5 * i); q.Get("lastId") != want {
					t.Errorf("call %d: lastId %q, want %q", i, q.Get("lastId"), want)
				}
			}
			if params.Has("pageSize") || params.Has("lastId") {
				t.Error("caller params were mutated")
			}
		})
	}
}

func TestGetAll_stuckCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, hebe.TypeList, items(1, 2))
	}))
	defer srv.Close()

	c := registeredClient(t, srv, hebe.WithPageSize(2))
	_, err := c.GetAll(context.Background(), "grade/byPupil", nil)
	if !errors.Is(err, hebe.ErrInvalidResponseContent) {
		t.Errorf("got %v, want ErrInvalidResponseContent", err)
	}
}

func TestGetAll_cursorMovesBackwards(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			writeEnvelope(w, hebe.TypeList, items(5, 2))
			return
		}
		writeEnvelope(w, hebe.TypeList, items(1, 2))
	}))
	defer srv.Close()

	c := registeredClient(t, srv, hebe.WithPageSize(2))
	_, err := c.GetAll(context.Background(), "grade/byPupil", nil)
	if !errors.Is(err, hebe.ErrInvalidResponseContent) {
		t.Errorf("got %v, want ErrInvalidResponseContent", err)
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestGetAll_requiresListTag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, "GradePayload", items(1, 1))
	}))
	defer srv.Close()

	c := registeredClient(t, srv)
	_, err := c.GetAll(context.Background(), "grade/byPupil", nil)
	if !errors.Is(err, hebe.ErrInvalidResponseEnvelopeType) {
		t.Errorf("got %v, want ErrInvalidResponseEnvelopeType", err)
	}
}

func TestGetAll_itemWithoutID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, hebe.TypeList, []map[string]any{{"Name": "a"}})
	}))
	defer srv.Close()

	c := registeredClient(t, srv, hebe.WithPageSize(1))
	_, err := c.GetAll(context.Background(), "grade/byPupil", nil)
	if !errors.Is(err, hebe.ErrInvalidResponseContent) {
		t.Errorf("got %v, want ErrInvalidResponseContent", err)
	}
}
