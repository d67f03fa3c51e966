package hebe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Resource describes the endpoints serving one kind of entity. Any of the
// paths may be empty when the backend does not offer that operation.
type Resource struct {
	Name string
	// Path lists the collection. Paged collections go through GetAll.
	Path  string
	Paged bool
	// ByIDPath fetches a single entity tagged ItemType.
	ByIDPath string
	ItemType string
	// DeletedPath lists ids removed since lastSyncDate.
	DeletedPath string
	// AllDeletedPath lists ids removed unit-wide, across every pupil.
	AllDeletedPath string

	Params        []ParamSpec
	ByIDParams    []ParamSpec
	DeletedParams []ParamSpec
}

var (
	pupilIDParam  = ParamSpec{Field: "pupilId", Wire: "pupilId", Kind: ParamInt}
	periodIDParam = ParamSpec{Field: "periodId", Wire: "periodId", Kind: ParamInt}
	idParam       = ParamSpec{Field: "id", Wire: "id", Kind: ParamInt}
	boxParam      = ParamSpec{Field: "box", Wire: "box", Kind: ParamString}
	syncParam     = ParamSpec{Field: paramLastSyncDate, Wire: paramLastSyncDate, Kind: ParamDateTime, Optional: true}
)

// Built-in resources.
var (
	Grades = Resource{
		Name:           "grades",
		Path:           "grade/byPupil",
		Paged:          true,
		ByIDPath:       "grade/ById",
		ItemType:       "GradePayload",
		DeletedPath:    "grade/deleted/byPupil",
		AllDeletedPath: "grade/deleted",
		Params:         []ParamSpec{pupilIDParam, periodIDParam, syncParam},
		ByIDParams:     []ParamSpec{pupilIDParam, periodIDParam, idParam},
		DeletedParams:  []ParamSpec{pupilIDParam, periodIDParam, syncParam},
	}
	BehaviourGrades = Resource{
		Name:   "behaviour-grades",
		Path:   "grade/behaviour/byPupil",
		Paged:  true,
		Params: []ParamSpec{pupilIDParam, periodIDParam, syncParam},
	}
	GradesSummary = Resource{
		Name:   "grades-summary",
		Path:   "grade/summary/byPupil",
		Paged:  true,
		Params: []ParamSpec{pupilIDParam, periodIDParam, syncParam},
	}
	Notes = Resource{
		Name:          "notes",
		Path:          "note/byPupil",
		ByIDPath:      "note/byId",
		ItemType:      "NotePayload",
		DeletedPath:   "note/deleted/byPupil",
		Params:        []ParamSpec{pupilIDParam, syncParam},
		ByIDParams:    []ParamSpec{pupilIDParam, idParam},
		DeletedParams: []ParamSpec{pupilIDParam, syncParam},
	}
	Exams = Resource{
		Name:           "exams",
		Path:           "exam/byPupil",
		Paged:          true,
		ByIDPath:       "exam/byId",
		ItemType:       "ExamPayload",
		DeletedPath:    "exam/deleted/byPupil",
		AllDeletedPath: "exam/deleted",
		Params:         []ParamSpec{pupilIDParam, syncParam},
		ByIDParams:     []ParamSpec{pupilIDParam, idParam},
		DeletedParams:  []ParamSpec{pupilIDParam, syncParam},
	}
	Homework = Resource{
		Name:           "homework",
		Path:           "homework/byPupil",
		Paged:          true,
		DeletedPath:    "homework/deleted/byPupil",
		AllDeletedPath: "homework/deleted",
		Params:         []ParamSpec{pupilIDParam, syncParam},
		DeletedParams:  []ParamSpec{pupilIDParam, syncParam},
	}
	Meetings = Resource{
		Name:        "meetings",
		Path:        "meetings/byPupil",
		Paged:       true,
		ByIDPath:    "meetings/byId",
		ItemType:    "MeetingPayload",
		DeletedPath: "meetings/deleted/byPupil",
		Params: []ParamSpec{
			pupilIDParam,
			{Field: "from", Wire: "from", Kind: ParamDate},
			syncParam,
		},
		ByIDParams:    []ParamSpec{pupilIDParam, idParam},
		DeletedParams: []ParamSpec{pupilIDParam, syncParam},
	}
	Schedule = Resource{
		Name:        "schedule",
		Path:        "schedule/byPupil",
		Paged:       true,
		DeletedPath: "schedule/deleted/byPupil",
		Params: []ParamSpec{
			pupilIDParam,
			{Field: "dateFrom", Wire: "dateFrom", Kind: ParamDate},
			{Field: "dateTo", Wire: "dateTo", Kind: ParamDate},
			syncParam,
		},
		DeletedParams: []ParamSpec{pupilIDParam, syncParam},
	}
	Teachers = Resource{
		Name:   "teachers",
		Path:   "teacher/byPeriod",
		Paged:  true,
		Params: []ParamSpec{pupilIDParam, periodIDParam, syncParam},
	}
	TimeSlots = Resource{
		Name: "time-slots",
		Path: "dictionary/timeslot",
	}
	// Messages lists one folder of a message box, by the box's global key.
	Messages = Resource{
		Name:  "messages",
		Path:  "messagebox/message/byBox",
		Paged: true,
		Params: []ParamSpec{
			boxParam,
			{Field: "folder", Wire: "folder", Kind: ParamInt},
			syncParam,
		},
	}
	AddressBook = Resource{
		Name:   "address-book",
		Path:   "messagebox/addressbook",
		Params: []ParamSpec{boxParam},
	}
	LuckyNumber = Resource{
		Name:     "lucky-number",
		ByIDPath: "school/lucky",
		ItemType: "LuckyNumberPayload",
		ByIDParams: []ParamSpec{
			{Field: "constituentId", Wire: "constituentId", Kind: ParamInt},
			{Field: "day", Wire: "day", Kind: ParamDate},
		},
	}
	Pupil = Resource{
		Name:       "pupil",
		ByIDPath:   "pupil",
		ItemType:   "PupilPayload",
		ByIDParams: []ParamSpec{idParam},
	}
	PupilInfos = Resource{
		Name: "pupil-infos",
		Path: "register/hebe",
		Params: []ParamSpec{
			syncParam,
			{Field: "mode", Wire: "mode", Kind: ParamInt, Optional: true},
		},
	}
)

// Resources lists the built-in resources by name.
var Resources = map[string]Resource{}

func init() {
	for _, r := range []Resource{
		Grades, BehaviourGrades, GradesSummary, Notes, Exams, Homework,
		Meetings, Schedule, Teachers, TimeSlots, Messages, AddressBook,
		LuckyNumber, Pupil, PupilInfos,
	} {
		Resources[r.Name] = r
	}
}

// List reads the resource's collection. Paged collections are read to the end.
func (c *Client) List(ctx context.Context, r Resource, q Query) ([]json.RawMessage, error) {
	if r.Path == "" {
		return nil, fmt.Errorf("%s: resource has no collection endpoint", r.Name)
	}
	params, err := EncodeParams(r.Params, q)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Name, err)
	}
	if r.Paged {
		return c.GetAll(ctx, r.Path, params)
	}
	env, err := c.Get(ctx, r.Path, params)
	if err != nil {
		return nil, err
	}
	return Decode[[]json.RawMessage](env, TypeList)
}

// GetByID fetches a single entity. A null payload is ErrNotFoundEntity.
func (c *Client) GetByID(ctx context.Context, r Resource, q Query) (json.RawMessage, error) {
	if r.ByIDPath == "" {
		return nil, fmt.Errorf("%s: resource has no single-entity endpoint", r.Name)
	}
	params, err := EncodeParams(r.ByIDParams, q)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Name, err)
	}
	env, err := c.Get(ctx, r.ByIDPath, params)
	if err != nil {
		return nil, err
	}
	item, err := Decode[json.RawMessage](env, r.ItemType)
	if err != nil {
		return nil, err
	}
	if env.IsNull() {
		return nil, ErrNotFoundEntity
	}
	return item, nil
}

// GetDeletedIDs lists the ids of entities removed since q's lastSyncDate.
// Fields of q the deleted endpoint does not accept are ignored.
func (c *Client) GetDeletedIDs(ctx context.Context, r Resource, q Query) ([]int64, error) {
	if r.DeletedPath == "" {
		return nil, fmt.Errorf("%s: %w", r.Name, errNoDeletedEndpoint)
	}
	params, err := EncodeParams(r.DeletedParams, q.only(r.DeletedParams))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Name, err)
	}
	env, err := c.Get(ctx, r.DeletedPath, params)
	if err != nil {
		return nil, err
	}
	return Decode[[]int64](env, TypeList)
}

// GetAllDeletedIDs lists the ids of entities removed anywhere in the unit
// since the given time. A zero since lists every removal the backend keeps.
func (c *Client) GetAllDeletedIDs(ctx context.Context, r Resource, since time.Time) ([]int64, error) {
	if r.AllDeletedPath == "" {
		return nil, fmt.Errorf("%s: %w", r.Name, errNoDeletedEndpoint)
	}
	q := Query{}
	if !since.IsZero() {
		q[paramLastSyncDate] = since
	}
	params, err := EncodeParams([]ParamSpec{syncParam}, q)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Name, err)
	}
	env, err := c.Get(ctx, r.AllDeletedPath, params)
	if err != nil {
		return nil, err
	}
	return Decode[[]int64](env, TypeList)
}

var errNoDeletedEndpoint = errors.New("resource has no deleted-items endpoint")

// accepts reports whether the collection endpoint takes field.
func (r Resource) accepts(field string) bool {
	for _, p := range r.Params {
		if p.Field == field {
			return true
		}
	}
	return false
}

// only returns the subset of q named by specs.
func (q Query) only(specs []ParamSpec) Query {
	out := make(Query, len(specs))
	for _, p := range specs {
		if v, ok := q[p.Field]; ok {
			out[p.Field] = v
		}
	}
	return out
}

func (q Query) with(field string, v any) Query {
	out := make(Query, len(q)+1)
	for k, val := range q {
		out[k] = val
	}
	out[field] = v
	return out
}

// Encode renders the collection parameters of r for q, for callers that
// drive Get or GetAll themselves.
func (r Resource) Encode(q Query) (url.Values, error) {
	return EncodeParams(r.Params, q)
}
