package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"strings"

	"github.com/janrain/datalib/pkg/capture"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for cursor pagination.
var (
	paginationPagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_pagination_pages_total",
		Help: "Total entity.find pages requested by cursor iteration",
	})

	paginationRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capture_pagination_records_total",
		Help: "Total records yielded by cursor iteration",
	})
)

const (
	// IDAttribute is the surrogate key the cursor advances on.
	IDAttribute = "id"

	// MaxFindResults is the largest page entity.find returns.
	MaxFindResults = 10000
)

// ErrInvalidID is returned for a record without a usable id.
var ErrInvalidID = errors.New("record has no integer id")

// Finder runs one entity.find call. *capture.Client implements it.
type Finder interface {
	Find(ctx context.Context, schema string, q capture.FindQuery) ([]capture.Record, error)
}

// Config holds iteration options. Zero values mean all attributes, the
// server's default page size and no filter. A non-nil empty Attributes
// selects no attributes: records come back empty.
type Config struct {
	Attributes []string
	BatchSize  int
	Filter     string
}

// Cursor is the position of an iteration: every record of the next page
// has an id above LastID.
type Cursor struct {
	LastID     int64
	BaseFilter string
}

// Filter returns the entity.find filter of the next page.
func (c Cursor) Filter() string {
	if c.BaseFilter == "" {
		return fmt.Sprintf("%s > %d", IDAttribute, c.LastID)
	}
	return fmt.Sprintf("(%s) and %s > %d", c.BaseFilter, IDAttribute, c.LastID)
}

// Iterate yields the records of schema matching cfg.Filter in ascending id
// order. Errors from the finder are yielded unchanged as the final element.
func Iterate(ctx context.Context, finder Finder, schema string, cfg Config, logger zerolog.Logger) iter.Seq2[capture.Record, error] {
	return func(yield func(capture.Record, error) bool) {
		if cfg.BatchSize < 0 {
			yield(nil, fmt.Errorf("batch_size must be >= 0 (got %d)", cfg.BatchSize))
			return
		}
		batchSize := min(cfg.BatchSize, MaxFindResults)

		attributes, stripID := projection(cfg.Attributes)
		cursor := Cursor{BaseFilter: strings.TrimSpace(cfg.Filter)}
		logger := logger.With().Str("schema", schema).Logger()

		total := 0
		for page := 1; ; page++ {
			records, err := finder.Find(ctx, schema, capture.FindQuery{
				Attributes: attributes,
				SortOn:     []string{IDAttribute},
				Filter:     cursor.Filter(),
				MaxResults: batchSize,
			})
			if err != nil {
				yield(nil, err)
				return
			}
			paginationPagesTotal.Inc()

			logger.Debug().
				Int("page", page).
				Int64("after_id", cursor.LastID).
				Int("records", len(records)).
				Msg("Fetched page")

			if len(records) == 0 {
				break
			}

			maxID := cursor.LastID
			for _, record := range records {
				id, err := RecordID(record)
				if err != nil {
					yield(nil, fmt.Errorf("page %d: %w", page, err))
					return
				}
				if id <= cursor.LastID {
					yield(nil, fmt.Errorf("page %d: id %d not above cursor %d", page, id, cursor.LastID))
					return
				}
				maxID = max(maxID, id)

				if stripID {
					delete(record, IDAttribute)
				}
				paginationRecordsTotal.Inc()
				total++
				if !yield(record, nil) {
					return
				}
			}
			cursor.LastID = maxID

			if batchSize > 0 && len(records) < batchSize {
				break
			}
		}

		logger.Debug().Int("records", total).Msg("Iteration complete")
	}
}

// projection returns the attributes to request and whether the id has to
// be removed from the records before they are yielded.
func projection(attributes []string) ([]string, bool) {
	if attributes == nil || slices.Contains(attributes, IDAttribute) {
		return attributes, false
	}
	return append(slices.Clone(attributes), IDAttribute), true
}

// RecordID returns the integer id of record.
func RecordID(record capture.Record) (int64, error) {
	switch v := record[IDAttribute].(type) {
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, v)
		}
		return id, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %v", ErrInvalidID, v)
		}
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case nil:
		return 0, ErrInvalidID
	default:
		return 0, fmt.Errorf("%w: %T", ErrInvalidID, v)
	}
}
