package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/FOLIO-FSE/folioclient-go/pkg/logging"
)

// Prometheus metrics for pagination.
var (
	folioPagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "folio_pages_fetched_total",
		Help: "Total pages fetched by pagination strategy",
	}, []string{"strategy"})

	folioRecordsYieldedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "folio_records_yielded_total",
		Help: "Total records yielded by paginated enumerations",
	})
)

// defaultLimit is the batch size used when the caller does not set one.
const defaultLimit = 100

// PageRequest describes one candidate page.
type PageRequest struct {
	// Path is the search endpoint.
	Path string

	// Key is the JSON field holding the record array. Empty means the
	// response body is the array itself.
	Key string

	// Query is the effective CQL expression for this page.
	Query string

	// Limit is the batch size.
	Limit int

	// Offset is the record offset (offset strategy only).
	Offset int
}

// Fetcher fetches a single page of records. *client.Client implements it;
// each call runs through the full executor pipeline including retry.
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) ([]json.RawMessage, error)
}

// Options configures one pager.
type Options struct {
	Path  string
	Key   string
	Query string
	Limit int
}

// Pager enumerates all records matching a query, one page at a time.
// Pages are fetched strictly sequentially and only while the consumer
// keeps pulling; stopping early fetches no further pages. Each call to
// Iter, Stream or Collect opens a fresh cursor.
type Pager struct {
	fetcher Fetcher
	opts    Options
	logger  zerolog.Logger
}

// New creates a pager over fetcher with the given options.
func New(fetcher Fetcher, opts Options) *Pager {
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	return &Pager{
		fetcher: fetcher,
		opts:    opts,
		logger:  logging.NewLogger("pagination"),
	}
}

// Record is one element of a streamed enumeration. Exactly one of Data
// and Err is set; an error terminates the stream.
type Record struct {
	Data json.RawMessage
	Err  error
}

// Iter returns a pull-based sequence of records for blocking consumers.
// The sequence is finite and ends early on the first classified error;
// records already yielded remain valid.
func (p *Pager) Iter(ctx context.Context) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		cur, err := p.newCursor()
		if err != nil {
			yield(nil, err)
			return
		}
		for !cur.done {
			page, err := cur.next(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				folioRecordsYieldedTotal.Inc()
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// Stream returns a channel-based sequence of records for cooperatively
// scheduled consumers. The channel closes when the enumeration finishes,
// errors, or ctx is cancelled; cancellation stops further page fetches.
// A consumer that stops receiving before the channel closes must cancel
// ctx, otherwise the producing goroutine stays blocked on the next send.
func (p *Pager) Stream(ctx context.Context) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		for rec, err := range p.Iter(ctx) {
			r := Record{Data: rec, Err: err}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// Collect drains the enumeration into a slice.
func (p *Pager) Collect(ctx context.Context) ([]json.RawMessage, error) {
	var records []json.RawMessage
	for rec, err := range p.Iter(ctx) {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// cursor is the state of one enumeration. It is created per call and
// discarded at the end; enumerations are not restartable.
type cursor struct {
	pager *Pager
	byID  bool

	baseQuery string
	offset    int
	lastID    string
	pages     int
	done      bool
}

// newCursor selects the strategy from the caller's query and validates it.
func (p *Pager) newCursor() (*cursor, error) {
	cur := &cursor{pager: p}
	if usesIDStrategy(p.opts.Query) {
		base, err := prepareIDQuery(p.opts.Query)
		if err != nil {
			return nil, err
		}
		cur.byID = true
		cur.baseQuery = base
	} else {
		cur.baseQuery = p.opts.Query
	}
	p.logger.Debug().
		Str("endpoint", p.opts.Path).
		Bool("by_id", cur.byID).
		Int("limit", p.opts.Limit).
		Msg("opening pagination cursor")
	return cur, nil
}

// next fetches the next page and advances the cursor, setting done when
// the strategy's termination rule fires.
func (cur *cursor) next(ctx context.Context) ([]json.RawMessage, error) {
	opts := cur.pager.opts

	req := PageRequest{
		Path:  opts.Path,
		Key:   opts.Key,
		Limit: opts.Limit,
	}
	strategy := "offset"
	if cur.byID {
		strategy = "id"
		if cur.lastID == "" {
			req.Query = cur.baseQuery
		} else {
			req.Query = idOffsetQuery(cur.baseQuery, cur.lastID)
		}
	} else {
		req.Query = cur.baseQuery
		req.Offset = cur.offset
	}

	page, err := cur.pager.fetcher.FetchPage(ctx, req)
	if err != nil {
		cur.done = true
		return nil, err
	}
	cur.pages++
	folioPagesFetchedTotal.WithLabelValues(strategy).Inc()

	if cur.byID {
		if len(page) > 0 {
			last, err := recordID(page[len(page)-1])
			if err != nil {
				cur.done = true
				return nil, err
			}
			cur.lastID = last
		}
	} else {
		cur.offset += len(page)
	}

	// Offset pagination stops at the first short page. ID pagination keeps
	// going until a page comes back empty: the server may cap page sizes
	// below the requested batch, and only an empty page proves no
	// identifier exceeds the last seen one.
	if cur.byID {
		cur.done = len(page) == 0
	} else {
		cur.done = len(page) < opts.Limit
	}
	if cur.done {
		cur.pager.logger.Debug().
			Str("endpoint", opts.Path).
			Int("pages", cur.pages).
			Msg("pagination complete")
	}
	return page, nil
}

// recordID extracts the identifier used as the ID-pagination sort key.
func recordID(rec json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec, &probe); err != nil {
		return "", fmt.Errorf("decode record id: %w", err)
	}
	if probe.ID == "" {
		return "", fmt.Errorf("record has no id field, cannot page by id")
	}
	return probe.ID, nil
}
