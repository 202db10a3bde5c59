package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/janrain/datalib/internal/testutil"
	"github.com/janrain/datalib/pkg/capture"
	"github.com/janrain/datalib/pkg/ingest"
)

func newTestSchema(t *testing.T, mock *testutil.MockCapture, name string) *Schema {
	t.Helper()
	cfg := capture.DefaultConfig(mock.URL(), testutil.ClientID, testutil.ClientSecret)
	cfg.Retry.InitialBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	client, err := capture.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return Open(client, name)
}

func users(n int) func(yield func(capture.Record) bool) {
	return func(yield func(capture.Record) bool) {
		for i := 1; i <= n; i++ {
			if !yield(capture.Record{"seq": i, "email": "user@example.com"}) {
				return
			}
		}
	}
}

func TestSchema_CreateThenIterate(t *testing.T) {
	mock := testutil.NewMockCapture()
	defer mock.Close()
	schema := newTestSchema(t, mock, "user")
	ctx := context.Background()

	var created []capture.Outcome
	for outcome, err := range schema.Create(ctx, users(23), CreateOptions{Mode: capture.ModeEach, BatchSize: 4, Concurrency: 3}) {
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		created = append(created, outcome)
	}
	if len(created) != 23 {
		t.Fatalf("outcomes = %d, want 23", len(created))
	}
	if got := mock.GetMaxInFlight(); got > 3 {
		t.Errorf("max in flight = %d, want <= 3", got)
	}

	count, err := schema.Count(ctx, "")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 23 {
		t.Errorf("Count() = %d, want 23", count)
	}

	// every created uuid comes back exactly once
	uuids := map[string]bool{}
	for _, o := range created {
		uuids[o.UUID] = true
	}
	seen := 0
	for record, err := range schema.Iterate(ctx, IterateOptions{Attributes: []string{"uuid", "seq"}, BatchSize: 5}) {
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		if _, ok := record["id"]; ok {
			t.Error("id not stripped from projected record")
		}
		uuid, _ := record["uuid"].(string)
		if !uuids[uuid] {
			t.Errorf("unexpected uuid %q", uuid)
		}
		delete(uuids, uuid)
		seen++
	}
	if seen != 23 || len(uuids) != 0 {
		t.Errorf("iterated %d records, %d created uuids not seen", seen, len(uuids))
	}
}

func TestSchema_CreateRejectsEvery13th(t *testing.T) {
	mock := testutil.NewMockCapture()
	defer mock.Close()
	mock.RejectWhen = func(record map[string]any) bool {
		seq, _ := record["seq"].(float64)
		return int(seq)%13 == 0
	}
	schema := newTestSchema(t, mock, "user")

	pos := 0
	for outcome, err := range schema.Create(context.Background(), users(30), CreateOptions{Mode: capture.ModeEach, BatchSize: 6, Concurrency: 2}) {
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		pos++
		wantFail := pos%13 == 0
		if outcome.OK() == wantFail {
			t.Errorf("outcome %d OK = %v, want %v", pos, outcome.OK(), !wantFail)
		}
		if wantFail && outcome.Failure.Code != 361 {
			t.Errorf("outcome %d code = %d, want 361", pos, outcome.Failure.Code)
		}
	}
	if pos != 30 {
		t.Errorf("outcomes = %d, want 30", pos)
	}
}

func TestSchema_SmartModeDefault(t *testing.T) {
	mock := testutil.NewMockCapture()
	defer mock.Close()
	mock.RejectWhen = func(record map[string]any) bool { return record["seq"] == float64(2) }
	schema := newTestSchema(t, mock, "user")

	failures := 0
	for outcome, err := range schema.Create(context.Background(), users(6), CreateOptions{BatchSize: 3}) {
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if !outcome.OK() {
			failures++
		}
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}
	if got := len(mock.Entities("user")); got != 5 {
		t.Errorf("stored = %d, want 5", got)
	}
}

func TestSchema_CreateAbortsOnRejectedCall(t *testing.T) {
	mock := testutil.NewMockCapture()
	defer mock.Close()
	mock.SetResponse("entity.bulkCreate", testutil.NewAPIErrorResponse(200, "invalid_argument", "type_name does not exist"))
	schema := newTestSchema(t, mock, "nope")

	var got error
	for _, err := range schema.Create(context.Background(), users(20), CreateOptions{BatchSize: 3, Concurrency: 2}) {
		got = err
	}
	if !errors.Is(got, ingest.ErrPipelineAborted) {
		t.Fatalf("error = %v, want ErrPipelineAborted", got)
	}
	var apiErr *capture.APIError
	if !errors.As(got, &apiErr) || apiErr.Code != 200 {
		t.Errorf("error = %v, want the API rejection as cause", got)
	}
}

func TestSchema_Delete(t *testing.T) {
	mock := testutil.NewMockCapture()
	defer mock.Close()
	mock.Seed("user", 5, func(i int) map[string]any { return map[string]any{"n": i} })
	schema := newTestSchema(t, mock, "user")

	if err := schema.Delete(context.Background()); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := len(mock.Entities("user")); got != 0 {
		t.Errorf("stored = %d, want 0", got)
	}
	if schema.Name() != "user" {
		t.Errorf("Name() = %q", schema.Name())
	}
}

func TestSchema_Find(t *testing.T) {
	mock := testutil.NewMockCapture()
	defer mock.Close()
	mock.Seed("user", 5, func(i int) map[string]any { return map[string]any{"n": i} })
	schema := newTestSchema(t, mock, "user")

	found, err := schema.Find(context.Background(), capture.FindQuery{Filter: "id > 3", MaxResults: 10})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(found) != 2 {
		t.Errorf("Find() = %d records, want 2", len(found))
	}
}
