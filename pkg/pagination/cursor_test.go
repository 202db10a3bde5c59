package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/janrain/datalib/internal/testutil"
	"github.com/janrain/datalib/pkg/capture"
	"github.com/rs/zerolog"
)

var cursorFilter = regexp.MustCompile(`id > (\d+)$`)

func newTestClient(t *testing.T, mock *testutil.MockCapture) *capture.Client {
	t.Helper()
	cfg := capture.DefaultConfig(mock.URL(), testutil.ClientID, testutil.ClientSecret)
	cfg.Retry.InitialBackoff = time.Millisecond
	client, err := capture.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCursorFilter(t *testing.T) {
	tests := []struct {
		cursor Cursor
		want   string
	}{
		{Cursor{}, "id > 0"},
		{Cursor{LastID: 42}, "id > 42"},
		{Cursor{LastID: 7, BaseFilter: "age > 18 or vip = true"}, "(age > 18 or vip = true) and id > 7"},
	}

	for _, tt := range tests {
		if got := tt.cursor.Filter(); got != tt.want {
			t.Errorf("Filter() = %q, want %q", got, tt.want)
		}
	}
}

func TestIterate_43RecordsBatch5(t *testing.T) {
	mock := testutil.NewMockCapture()
	defer mock.Close()
	mock.Seed("user", 43, func(i int) map[string]any { return map[string]any{"n": i} })

	client := newTestClient(t, mock)
	var ids []int64
	for record, err := range Iterate(context.Background(), client, "user", Config{BatchSize: 5}, zerolog.Nop()) {
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		id, err := RecordID(record)
		if err != nil {
			t.Fatalf("RecordID() error = %v", err)
		}
		ids = append(ids, id)
	}

	if len(ids) != 43 {
		t.Fatalf("records = %d, want 43", len(ids))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Errorf("record %d id = %d, want %d", i, id, i+1)
		}
	}

	filters := mock.GetFilters()
	if len(filters) != 9 {
		t.Fatalf("find calls = %d, want 9", len(filters))
	}
	last := int64(-1)
	for i, filter := range filters {
		m := cursorFilter.FindStringSubmatch(filter)
		if m == nil {
			t.Fatalf("filter %d = %q, want an id condition", i, filter)
		}
		k, _ := strconv.ParseInt(m[1], 10, 64)
		if k <= last {
			t.Errorf("filter %d id > %d, want above %d", i, k, last)
		}
		last = k
	}
}

func TestIterate_BaseFilterKept(t *testing.T) {
	mock := testutil.NewMockCapture()
	defer mock.Close()
	mock.Seed("user", 4, func(i int) map[string]any { return map[string]any{"n": i} })

	client := newTestClient(t, mock)
	cfg := Config{BatchSize: 2, Filter: "n > 0"}
	count := 0
	for _, err := range Iterate(context.Background(), client, "user", cfg, zerolog.Nop()) {
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		count++
	}
	if count != 4 {
		t.Errorf("records = %d, want 4", count)
	}

	want := []string{"(n > 0) and id > 0", "(n > 0) and id > 2", "(n > 0) and id > 4"}
	filters := mock.GetFilters()
	if len(filters) != len(want) {
		t.Fatalf("filters = %v, want %v", filters, want)
	}
	for i := range want {
		if filters[i] != want[i] {
			t.Errorf("filter %d = %q, want %q", i, filters[i], want[i])
		}
	}
}

// pageFinder serves fixed pages and records the queries.
type pageFinder struct {
	pages   [][]capture.Record
	queries []capture.FindQuery
	err     error
}

func (f *pageFinder) Find(ctx context.Context, schema string, q capture.FindQuery) ([]capture.Record, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.queries) > len(f.pages) {
		return []capture.Record{}, nil
	}
	return f.pages[len(f.queries)-1], nil
}

func rec(id int64, email string) capture.Record {
	return capture.Record{"id": json.Number(strconv.FormatInt(id, 10)), "email": email}
}

func TestIterate_ProjectionInjectsAndStripsID(t *testing.T) {
	finder := &pageFinder{pages: [][]capture.Record{
		{rec(3, "a"), rec(9, "b")},
	}}

	var got []capture.Record
	cfg := Config{Attributes: []string{"email"}}
	for record, err := range Iterate(context.Background(), finder, "user", cfg, zerolog.Nop()) {
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		got = append(got, record)
	}

	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	for _, record := range got {
		if _, ok := record["id"]; ok {
			t.Errorf("record %v still has id", record)
		}
	}

	q := finder.queries[0]
	if len(q.Attributes) != 2 || q.Attributes[0] != "email" || q.Attributes[1] != "id" {
		t.Errorf("Attributes = %v, want [email id]", q.Attributes)
	}
	if len(q.SortOn) != 1 || q.SortOn[0] != "id" {
		t.Errorf("SortOn = %v, want [id]", q.SortOn)
	}
	if q.MaxResults != 0 {
		t.Errorf("MaxResults = %d, want 0 when unset", q.MaxResults)
	}
	if cfg.Attributes[0] != "email" || len(cfg.Attributes) != 1 {
		t.Errorf("caller attributes modified: %v", cfg.Attributes)
	}

	// without a batch size only an empty page ends the iteration
	if len(finder.queries) != 2 || finder.queries[1].Filter != "id > 9" {
		t.Errorf("queries = %+v, want a second page after id 9", finder.queries)
	}
}

func TestIterate_EmptyProjection(t *testing.T) {
	finder := &pageFinder{pages: [][]capture.Record{
		{{"id": json.Number("4")}, {"id": json.Number("7")}},
	}}

	n := 0
	for record, err := range Iterate(context.Background(), finder, "user", Config{Attributes: []string{}}, zerolog.Nop()) {
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		if len(record) != 0 {
			t.Errorf("record = %v, want no attributes", record)
		}
		n++
	}
	if n != 2 {
		t.Errorf("records = %d, want 2", n)
	}

	if q := finder.queries[0]; len(q.Attributes) != 1 || q.Attributes[0] != "id" {
		t.Errorf("Attributes = %v, want [id]", q.Attributes)
	}
	if finder.queries[1].Filter != "id > 7" {
		t.Errorf("second filter = %q, want id > 7", finder.queries[1].Filter)
	}
}

func TestIterate_NilProjectionRequestsAll(t *testing.T) {
	finder := &pageFinder{pages: [][]capture.Record{{rec(1, "a")}}}
	for record, err := range Iterate(context.Background(), finder, "user", Config{}, zerolog.Nop()) {
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		if record["email"] != "a" {
			t.Errorf("record = %v, want all attributes", record)
		}
	}
	if q := finder.queries[0]; q.Attributes != nil {
		t.Errorf("Attributes = %v, want none sent", q.Attributes)
	}
}

func TestIterate_KeepsIDWhenRequested(t *testing.T) {
	finder := &pageFinder{pages: [][]capture.Record{{rec(1, "a")}}}
	cfg := Config{Attributes: []string{"id", "email"}}
	for record, err := range Iterate(context.Background(), finder, "user", cfg, zerolog.Nop()) {
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		if _, ok := record["id"]; !ok {
			t.Error("id stripped although requested")
		}
	}
}

func TestIterate_ErrorsPropagate(t *testing.T) {
	cause := &capture.APIError{Command: "entity.find", Code: 200, Kind: capture.KindAPI, Message: "bad filter"}
	finder := &pageFinder{err: cause}

	var got error
	for _, err := range Iterate(context.Background(), finder, "user", Config{}, zerolog.Nop()) {
		got = err
	}
	if got != cause {
		t.Errorf("error = %v, want the find error unchanged", got)
	}
}

func TestIterate_InvalidIDs(t *testing.T) {
	tests := []struct {
		name  string
		pages [][]capture.Record
	}{
		{name: "missing id", pages: [][]capture.Record{{{"email": "a"}}}},
		{name: "string id", pages: [][]capture.Record{{{"id": "abc"}}}},
		{name: "not increasing", pages: [][]capture.Record{{rec(5, "a")}, {rec(5, "b")}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			finder := &pageFinder{pages: tt.pages}
			var got error
			for _, err := range Iterate(context.Background(), finder, "user", Config{}, zerolog.Nop()) {
				if err != nil {
					got = err
				}
			}
			if got == nil {
				t.Error("Iterate() error = nil, want an id error")
			}
		})
	}
}

func TestIterate_BreakStopsPaging(t *testing.T) {
	finder := &pageFinder{pages: [][]capture.Record{
		{rec(1, "a"), rec(2, "b")},
		{rec(3, "c"), rec(4, "d")},
	}}

	for range Iterate(context.Background(), finder, "user", Config{BatchSize: 2}, zerolog.Nop()) {
		break
	}
	if len(finder.queries) != 1 {
		t.Errorf("find calls = %d, want 1", len(finder.queries))
	}
}

func TestIterate_ClampsBatchSize(t *testing.T) {
	finder := &pageFinder{}
	for range Iterate(context.Background(), finder, "user", Config{BatchSize: 50000}, zerolog.Nop()) {
	}
	if finder.queries[0].MaxResults != MaxFindResults {
		t.Errorf("MaxResults = %d, want %d", finder.queries[0].MaxResults, MaxFindResults)
	}
}

func TestRecordID(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int64
		wantErr bool
	}{
		{name: "json number", value: json.Number("12"), want: 12},
		{name: "float", value: float64(7), want: 7},
		{name: "int", value: 3, want: 3},
		{name: "fraction", value: 1.5, wantErr: true},
		{name: "bad number", value: json.Number("1e3x"), wantErr: true},
		{name: "missing", value: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := RecordID(capture.Record{"id": tt.value})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidID) {
					t.Errorf("RecordID() error = %v, want ErrInvalidID", err)
				}
				return
			}
			if err != nil || id != tt.want {
				t.Errorf("RecordID() = %d, %v, want %d", id, err, tt.want)
			}
		})
	}
}
