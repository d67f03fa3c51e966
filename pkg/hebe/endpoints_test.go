package hebe_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/hebe/pkg/hebe"
)

func TestEncodeParams(t *testing.T) {
	day := time.Date(2023, 3, 14, 8, 5, 9, 0, time.UTC)
	tests := []struct {
		name    string
		specs   []hebe.ParamSpec
		q       hebe.Query
		want    url.Values
		wantErr string
	}{
		{
			name:  "ints dates and optional",
			specs: hebe.Meetings.Params,
			q:     hebe.Query{"pupilId": int64(111), "from": day},
			want:  url.Values{"pupilId": {"111"}, "from": {"2023-03-14"}},
		},
		{
			name:  "datetime",
			specs: hebe.Exams.Params,
			q:     hebe.Query{"pupilId": 1, "lastSyncDate": day},
			want:  url.Values{"pupilId": {"1"}, "lastSyncDate": {"2023-03-14T08:05:09"}},
		},
		{
			name:  "nil optional is absent",
			specs: hebe.Exams.Params,
			q:     hebe.Query{"pupilId": "7", "lastSyncDate": nil},
			want:  url.Values{"pupilId": {"7"}},
		},
		{
			name:    "missing required",
			specs:   hebe.Grades.Params,
			q:       hebe.Query{"pupilId": 1},
			wantErr: `missing required parameter "periodId"`,
		},
		{
			name:    "unknown field",
			specs:   hebe.Exams.Params,
			q:       hebe.Query{"pupilId": 1, "colour": "red"},
			wantErr: `unknown parameter "colour"`,
		},
		{
			name:    "bad int string",
			specs:   hebe.Exams.Params,
			q:       hebe.Query{"pupilId": "one"},
			wantErr: "not an integer",
		},
		{
			name:    "bad date string",
			specs:   hebe.Schedule.Params,
			q:       hebe.Query{"pupilId": 1, "dateFrom": "14.03.2023", "dateTo": "2023-03-20"},
			wantErr: `parameter "dateFrom"`,
		},
		{
			name:  "bool from string",
			specs: []hebe.ParamSpec{{Field: "all", Wire: "includeAll", Kind: hebe.ParamBool}},
			q:     hebe.Query{"all": "1"},
			want:  url.Values{"includeAll": {"true"}},
		},
		{
			name:    "bad bool string",
			specs:   []hebe.ParamSpec{{Field: "all", Wire: "includeAll", Kind: hebe.ParamBool}},
			q:       hebe.Query{"all": "maybe"},
			wantErr: "not a boolean",
		},
		{
			name:    "wrong type",
			specs:   hebe.Exams.Params,
			q:       hebe.Query{"pupilId": 1.5},
			wantErr: "unsupported value float64",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hebe.EncodeParams(tt.specs, tt.q)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("got %v, want error containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("EncodeParams: %v", err)
			}
			if got.Encode() != tt.want.Encode() {
				t.Errorf("got %s, want %s", got.Encode(), tt.want.Encode())
			}
		})
	}
}

func TestResources_registered(t *testing.T) {
	for _, name := range []string{"grades", "notes", "exams", "homework", "meetings", "lucky-number", "time-slots", "pupil", "messages", "address-book"} {
		if _, ok := hebe.Resources[name]; !ok {
			t.Errorf("resource %q not registered", name)
		}
	}
}

func TestGetByID_gradePath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeEnvelope(w, "GradePayload", map[string]any{"Id": 3})
	}))
	defer srv.Close()

	c := registeredClient(t, srv)
	if _, err := c.GetByID(context.Background(), hebe.Grades, hebe.Query{"pupilId": 1, "periodId": 2, "id": 3}); err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if path != "/powiatwulkanowy/api/mobile/grade/ById" {
		t.Errorf("path: got %s", path)
	}
}

func TestGetByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/powiatwulkanowy/api/mobile/note/byId" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("id") == "404" {
			writeEnvelope(w, "NotePayload", nil)
			return
		}
		writeEnvelope(w, "NotePayload", map[string]any{"Id": 5, "Content": "late"})
	}))
	defer srv.Close()

	c := registeredClient(t, srv)
	ctx := context.Background()

	got, err := c.GetByID(ctx, hebe.Notes, hebe.Query{"pupilId": 111, "id": 5})
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !strings.Contains(string(got), `"late"`) {
		t.Errorf("payload: %s", got)
	}

	_, err = c.GetByID(ctx, hebe.Notes, hebe.Query{"pupilId": 111, "id": 404})
	if !errors.Is(err, hebe.ErrNotFoundEntity) {
		t.Errorf("null payload: got %v, want ErrNotFoundEntity", err)
	}

	if _, err := c.GetByID(ctx, hebe.TimeSlots, nil); err == nil {
		t.Error("expected error for resource without single-entity endpoint")
	}
}

func TestList_unpaged(t *testing.T) {
	var query url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		writeEnvelope(w, hebe.TypeList, items(1, 3))
	}))
	defer srv.Close()

	c := registeredClient(t, srv)
	got, err := c.List(context.Background(), hebe.TimeSlots, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("items: got %d", len(got))
	}
	if query.Has("pageSize") {
		t.Error("unpaged collection must not send pageSize")
	}
}

func TestSync(t *testing.T) {
	since := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)
	var paths []string
	var queries []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		queries = append(queries, r.URL.Query())
		switch {
		case strings.HasSuffix(r.URL.Path, "/exam/deleted/byPupil"):
			writeEnvelope(w, hebe.TypeList, []int64{4, 9})
		case strings.HasSuffix(r.URL.Path, "/exam/byPupil"):
			writeEnvelope(w, hebe.TypeList, items(10, 2))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := registeredClient(t, srv, hebe.WithClock(fixedClock))
	res, err := c.Sync(context.Background(), hebe.Exams, hebe.Query{"pupilId": 111}, since)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Watermark.Equal(fixedClock()) {
		t.Errorf("watermark: got %v", res.Watermark)
	}
	if len(res.Items) != 2 {
		t.Errorf("items: got %d", len(res.Items))
	}
	if len(res.DeletedIDs) != 2 || res.DeletedIDs[0] != 4 || res.DeletedIDs[1] != 9 {
		t.Errorf("deleted: got %v", res.DeletedIDs)
	}
	if len(paths) != 2 {
		t.Fatalf("calls: got %v", paths)
	}
	for i, q := range queries {
		if q.Get("lastSyncDate") != "2023-03-01T12:00:00" || q.Get("pupilId") != "111" {
			t.Errorf("call %d (%s): query %v", i, paths[i], q)
		}
	}
	if queries[1].Has("pageSize") {
		t.Error("deleted endpoint must not be paged")
	}
}

func TestSync_fullWhenNoWatermark(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Has("lastSyncDate") {
			t.Error("full sync must not send lastSyncDate")
		}
		writeEnvelope(w, hebe.TypeList, items(1, 1))
	}))
	defer srv.Close()

	c := registeredClient(t, srv)
	res, err := c.Sync(context.Background(), hebe.Exams, hebe.Query{"pupilId": 111}, time.Time{})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if calls != 1 || res.DeletedIDs != nil {
		t.Errorf("calls=%d deleted=%v", calls, res.DeletedIDs)
	}
}

func TestSync_nonUTCClock(t *testing.T) {
	cest := time.FixedZone("CEST", 2*3600)
	clock := func() time.Time { return time.Date(2023, 3, 14, 14, 0, 0, 0, cest) }

	var syncDates []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/deleted/") {
			writeEnvelope(w, hebe.TypeList, []int64{})
			return
		}
		syncDates = append(syncDates, r.URL.Query().Get("lastSyncDate"))
		writeEnvelope(w, hebe.TypeList, items(1, 1))
	}))
	defer srv.Close()

	c := registeredClient(t, srv, hebe.WithClock(clock))
	ctx := context.Background()
	q := hebe.Query{"pupilId": 111}

	first, err := c.Sync(ctx, hebe.Exams, q, time.Time{})
	if err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if first.Watermark.Location() != time.UTC {
		t.Errorf("watermark location: got %v, want UTC", first.Watermark.Location())
	}
	if _, err := c.Sync(ctx, hebe.Exams, q, first.Watermark); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	// A since in any zone is sent as the same UTC instant.
	if _, err := c.Sync(ctx, hebe.Exams, q, clock()); err != nil {
		t.Fatalf("third Sync: %v", err)
	}

	want := []string{"", "2023-03-14T12:00:00", "2023-03-14T12:00:00"}
	if strings.Join(syncDates, ",") != strings.Join(want, ",") {
		t.Errorf("lastSyncDate: got %q, want %q", syncDates, want)
	}
}

func TestSync_resourceWithoutSyncParam(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/powiatwulkanowy/api/mobile/dictionary/timeslot" {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Query()) != 0 {
			t.Errorf("unexpected query %v", r.URL.Query())
		}
		writeEnvelope(w, hebe.TypeList, items(1, 4))
	}))
	defer srv.Close()

	c := registeredClient(t, srv, hebe.WithClock(fixedClock))
	for _, since := range []time.Time{{}, time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)} {
		res, err := c.Sync(context.Background(), hebe.TimeSlots, nil, since)
		if err != nil {
			t.Fatalf("Sync(since=%v): %v", since, err)
		}
		if len(res.Items) != 4 || res.DeletedIDs != nil {
			t.Errorf("since=%v: items=%d deleted=%v", since, len(res.Items), res.DeletedIDs)
		}
	}
	if calls != 2 {
		t.Errorf("calls: got %d, want 2", calls)
	}
}

func TestGetAllDeletedIDs(t *testing.T) {
	var queries []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/powiatwulkanowy/api/mobile/grade/deleted" {
			http.NotFound(w, r)
			return
		}
		queries = append(queries, r.URL.Query())
		writeEnvelope(w, hebe.TypeList, []int64{12, 40})
	}))
	defer srv.Close()

	c := registeredClient(t, srv)
	ctx := context.Background()
	since := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

	ids, err := c.GetAllDeletedIDs(ctx, hebe.Grades, since)
	if err != nil {
		t.Fatalf("GetAllDeletedIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 12 || ids[1] != 40 {
		t.Errorf("ids: got %v", ids)
	}
	if _, err := c.GetAllDeletedIDs(ctx, hebe.Grades, time.Time{}); err != nil {
		t.Fatalf("GetAllDeletedIDs without since: %v", err)
	}
	want := []string{"lastSyncDate=2023-03-01T12%3A00%3A00", ""}
	for i, q := range queries {
		if q.Encode() != want[i] {
			t.Errorf("call %d: query %s, want %s", i, q.Encode(), want[i])
		}
	}

	if _, err := c.GetAllDeletedIDs(ctx, hebe.Notes, since); err == nil {
		t.Error("expected error for resource without unit-wide deleted list")
	}
}

func TestForUnit(t *testing.T) {
	var certHits int
	certSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		certHits++
		http.NotFound(w, r)
	}))
	defer certSrv.Close()

	var got *http.Request
	unitSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		writeEnvelope(w, hebe.TypeList, items(1, 2))
	}))
	defer unitSrv.Close()

	c := registeredClient(t, certSrv)
	if c.ForUnit("") != c {
		t.Error("ForUnit with empty URL must return the same client")
	}
	unit := c.ForUnit(unitSrv.URL + "/powiatwulkanowy/123456/api")

	res, err := unit.List(context.Background(), hebe.Messages, hebe.Query{"box": "b-1", "folder": 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(res) != 2 {
		t.Errorf("items: got %d", len(res))
	}
	if certHits != 0 {
		t.Errorf("certificate host called %d times", certHits)
	}
	if got == nil {
		t.Fatal("unit host not called")
	}
	if got.URL.Path != "/powiatwulkanowy/123456/api/mobile/messagebox/message/byBox" {
		t.Errorf("path: got %s", got.URL.Path)
	}
	if q := got.URL.Query(); q.Get("box") != "b-1" || q.Get("folder") != "1" || q.Get("pageSize") == "" {
		t.Errorf("query: got %v", q)
	}
	if got.Header.Get("Signature") == "" {
		t.Error("unit call must be signed")
	}
}
