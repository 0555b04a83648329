package request

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/db"
	"github.com/dental/clinic/internal/platform/lock"
	"github.com/dental/clinic/internal/platform/telemetry"
)

const (
	// MaxSequence is the largest suffix that fits the five digit format.
	MaxSequence        = 99999
	DefaultMaxAttempts = 5

	StrategyRetry   = "retry"
	StrategyCounter = "counter"
)

var requestIDPattern = regexp.MustCompile(`^REQ-(\d{4})-(\d{5})$`)

// FormatRequestID renders REQ-YYYY-NNNNN.
func FormatRequestID(year, seq int) string {
	return fmt.Sprintf("REQ-%04d-%05d", year, seq)
}

// ParseRequestID splits a request id into its year and sequence.
func ParseRequestID(id string) (year, seq int, err error) {
	m := requestIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, apperr.Invalid("request_id", fmt.Sprintf("%q is not a REQ-YYYY-NNNNN id", id))
	}
	year, _ = strconv.Atoi(m[1])
	seq, _ = strconv.Atoi(m[2])
	if seq == 0 {
		return 0, 0, apperr.Invalid("request_id", "sequence starts at 00001")
	}
	return year, seq, nil
}

// SequenceSource proposes the next sequence number for a year.
type SequenceSource interface {
	Next(ctx context.Context, year int) (int, error)
}

// latestSource proposes max+1 and relies on the unique request id to reject
// a concurrent duplicate.
type latestSource struct{ repo Repository }

func (s latestSource) Next(ctx context.Context, year int) (int, error) {
	latest, err := s.repo.LatestSequence(ctx, year)
	if err != nil {
		return 0, err
	}
	return latest + 1, nil
}

// counterSource increments a per-year counter row.
type counterSource struct{ repo Repository }

func (s counterSource) Next(ctx context.Context, year int) (int, error) {
	return s.repo.NextSequence(ctx, year)
}

// NewSequenceSource picks the source for strategy, "retry" or "counter".
func NewSequenceSource(strategy string, repo Repository) (SequenceSource, error) {
	switch strategy {
	case "", StrategyRetry:
		return latestSource{repo: repo}, nil
	case StrategyCounter:
		return counterSource{repo: repo}, nil
	}
	return nil, fmt.Errorf("unknown sequence strategy %q", strategy)
}

// Sequencer issues request ids. Each attempt proposes a candidate id and hands
// it to an insert callback; a unique violation from the insert starts the next
// attempt.
type Sequencer struct {
	source      SequenceSource
	locker      lock.Locker
	maxAttempts int
	loc         *time.Location
	now         func() time.Time
	metrics     *telemetry.Metrics
	log         zerolog.Logger
}

type SequencerConfig struct {
	// Locker serialises candidate selection and insert per year. Defaults to
	// no locking.
	Locker      lock.Locker
	MaxAttempts int
	// Location is the clinic time zone that decides the year. Defaults to UTC.
	Location *time.Location
	Now      func() time.Time
	Metrics  *telemetry.Metrics
	Log      zerolog.Logger
}

func NewSequencer(source SequenceSource, cfg SequencerConfig) *Sequencer {
	s := &Sequencer{
		source:      source,
		locker:      cfg.Locker,
		maxAttempts: cfg.MaxAttempts,
		loc:         cfg.Location,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
	}
	if s.locker == nil {
		s.locker = lock.Noop{}
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Now returns the current time in the clinic time zone.
func (s *Sequencer) Now() time.Time {
	return s.now().In(s.loc)
}

// Year returns the current year in the clinic time zone.
func (s *Sequencer) Year() int {
	return s.Now().Year()
}

// Issue obtains a fresh id and passes it to insert. It returns the id that
// insert accepted. Errors other than an id collision or lock contention end
// issuance immediately. insert must not run inside a caller transaction,
// since a unique violation aborts it.
func (s *Sequencer) Issue(ctx context.Context, insert func(ctx context.Context, id string) error) (string, error) {
	year := s.Year()
	key := fmt.Sprintf("request-seq:%d", year)

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var id string
		err := s.locker.WithLock(ctx, key, func(ctx context.Context) error {
			seq, err := s.source.Next(ctx, year)
			if err != nil {
				return err
			}
			if seq > MaxSequence {
				return fmt.Errorf("%w: year %d has used all %d ids", apperr.ErrSequenceExhausted, year, MaxSequence)
			}
			id = FormatRequestID(year, seq)
			return insert(ctx, id)
		})
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, db.ErrUniqueViolation), errors.Is(err, lock.ErrNotAcquired):
			s.metrics.SequenceConflict()
			s.log.Debug().Err(err).Int("attempt", attempt).Str("candidate", id).Msg("request id contended, retrying")
		default:
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no free id after %d attempts", apperr.ErrSequenceExhausted, s.maxAttempts)
}
