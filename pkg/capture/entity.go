package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Record is one entity instance: attribute name to value, possibly nested.
type Record map[string]any

// CommitMode governs how records of one bulk create commit.
type CommitMode string

const (
	// ModeSmart submits atomically and falls back to per-record commit when
	// the atomic batch reports failures.
	ModeSmart CommitMode = "smart"

	// ModeEach commits every record on its own.
	ModeEach CommitMode = "each"

	// ModeAll commits the whole batch atomically.
	ModeAll CommitMode = "all"
)

// ParseCommitMode parses a commit mode name.
func ParseCommitMode(s string) (CommitMode, error) {
	switch mode := CommitMode(s); mode {
	case ModeSmart, ModeEach, ModeAll:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown commit mode %q (want smart, each or all)", s)
	}
}

// Valid reports whether m is a known commit mode.
func (m CommitMode) Valid() bool {
	_, err := ParseCommitMode(string(m))
	return err == nil
}

// RecordFailure describes why a single record was not created.
type RecordFailure struct {
	Code        int    `json:"code"`
	Error       string `json:"error,omitempty"`
	Description string `json:"error_description,omitempty"`
}

// String returns a one-line description.
func (f *RecordFailure) String() string {
	if f.Description != "" {
		return fmt.Sprintf("%s (code %d): %s", f.Error, f.Code, f.Description)
	}
	return fmt.Sprintf("%s (code %d)", f.Error, f.Code)
}

// Outcome is the per-record result of a bulk create: either the id and
// uuid of the created entity or a Failure.
type Outcome struct {
	ID      int64          `json:"id,omitempty"`
	UUID    string         `json:"uuid,omitempty"`
	Failure *RecordFailure `json:"failure,omitempty"`
}

// OK reports whether the record was created.
func (o Outcome) OK() bool {
	return o.Failure == nil
}

// FindQuery holds the parameters of an entity.find call. Zero values are
// left out of the request.
type FindQuery struct {
	Attributes  []string
	SortOn      []string
	Filter      string
	MaxResults  int
	FirstResult int
}

// bulkCreateResponse is the entity.bulkCreate payload. Each entry is either
// a scalar (id or uuid) or an error object.
type bulkCreateResponse struct {
	Results     []json.RawMessage `json:"results"`
	UUIDResults []json.RawMessage `json:"uuid_results"`
}

// BulkCreate creates records in schema and returns one Outcome per record,
// in order. With commitEach false the API commits the records atomically,
// so one invalid record turns every outcome into a Failure.
func (c *Client) BulkCreate(ctx context.Context, schema string, records []Record, commitEach bool) ([]Outcome, error) {
	const command = "entity.bulkCreate"

	if len(records) == 0 {
		return nil, nil
	}

	var resp bulkCreateResponse
	err := c.Call(ctx, command, map[string]any{
		"type_name":      schema,
		"all_attributes": records,
		"commit_each":    commitEach,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if len(resp.UUIDResults) != len(records) || (len(resp.Results) != 0 && len(resp.Results) != len(records)) {
		return nil, &TransportError{
			Command:    command,
			StatusCode: 200,
			Err:        fmt.Errorf("got %d results for %d records", len(resp.UUIDResults), len(records)),
		}
	}

	outcomes := make([]Outcome, len(records))
	for i, raw := range resp.UUIDResults {
		outcome, err := parseOutcome(raw, resultAt(resp.Results, i))
		if err != nil {
			return nil, &TransportError{Command: command, StatusCode: 200, Err: fmt.Errorf("result %d: %w", i, err)}
		}
		outcomes[i] = outcome
	}
	return outcomes, nil
}

func resultAt(results []json.RawMessage, i int) json.RawMessage {
	if i < len(results) {
		return results[i]
	}
	return nil
}

// parseOutcome pairs a uuid_results entry with its results entry.
func parseOutcome(uuidRaw, idRaw json.RawMessage) (Outcome, error) {
	uuidRaw = bytes.TrimSpace(uuidRaw)
	if len(uuidRaw) > 0 && uuidRaw[0] == '{' {
		var failure RecordFailure
		if err := json.Unmarshal(uuidRaw, &failure); err != nil {
			return Outcome{}, fmt.Errorf("decode failure: %w", err)
		}
		return Outcome{Failure: &failure}, nil
	}

	var outcome Outcome
	if err := json.Unmarshal(uuidRaw, &outcome.UUID); err != nil {
		return Outcome{}, fmt.Errorf("decode uuid: %w", err)
	}

	idRaw = bytes.TrimSpace(idRaw)
	if len(idRaw) > 0 && idRaw[0] != '{' && string(idRaw) != "null" {
		id, err := strconv.ParseInt(string(idRaw), 10, 64)
		if err != nil {
			return Outcome{}, fmt.Errorf("decode id: %w", err)
		}
		outcome.ID = id
	}
	return outcome, nil
}

// findResponse is the entity.find payload.
type findResponse struct {
	ResultCount int      `json:"result_count"`
	Results     []Record `json:"results"`
}

// Find returns the records of schema matching q. Numbers are decoded as
// json.Number.
func (c *Client) Find(ctx context.Context, schema string, q FindQuery) ([]Record, error) {
	params := map[string]any{"type_name": schema}
	if len(q.Attributes) > 0 {
		params["attributes"] = q.Attributes
	}
	if len(q.SortOn) > 0 {
		params["sort_on"] = q.SortOn
	}
	if q.Filter != "" {
		params["filter"] = q.Filter
	}
	if q.MaxResults > 0 {
		params["max_results"] = q.MaxResults
	}
	if q.FirstResult > 0 {
		params["first_result"] = q.FirstResult
	}

	var resp findResponse
	if err := c.Call(ctx, "entity.find", params, &resp); err != nil {
		return nil, err
	}
	if resp.Results == nil {
		resp.Results = []Record{}
	}
	return resp.Results, nil
}

// Count returns the number of records in schema matching filter.
func (c *Client) Count(ctx context.Context, schema, filter string) (int64, error) {
	params := map[string]any{"type_name": schema}
	if filter != "" {
		params["filter"] = filter
	}
	var resp struct {
		TotalCount int64 `json:"total_count"`
	}
	if err := c.Call(ctx, "entity.count", params, &resp); err != nil {
		return 0, err
	}
	return resp.TotalCount, nil
}

// Purge deletes every record of schema.
func (c *Client) Purge(ctx context.Context, schema string) error {
	err := c.Call(ctx, "entity.purge", map[string]any{
		"type_name": schema,
		"commit":    true,
	}, nil)
	if err != nil {
		return err
	}
	c.logger.Info().Str("schema", schema).Msg("Schema purged")
	return nil
}

// ListSchemas returns the names of the application's schemas. The list is
// kept in the app cache when one is configured.
func (c *Client) ListSchemas(ctx context.Context) ([]string, error) {
	const path = "schemas"

	var names []string
	if c.loadCached(ctx, path, &names) {
		return names, nil
	}

	var resp struct {
		Results []string `json:"results"`
	}
	if err := c.Call(ctx, "entityType.list", nil, &resp); err != nil {
		return nil, err
	}
	names = resp.Results
	if names == nil {
		names = []string{}
	}

	c.storeCached(ctx, path, names)
	return names, nil
}
