// Package eventlog persists treasury events in SQL. Each record carries a
// blake3 digest chained to its predecessor so history rewrites are detectable.
package eventlog

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"d2dtreasury/core/events"
	"d2dtreasury/core/types"
)

var (
	// ErrDigestMismatch reports a record whose digest does not match its
	// contents or predecessor.
	ErrDigestMismatch = errors.New("eventlog: digest mismatch")
	// ErrUnsupportedDriver is returned by Open for unknown drivers.
	ErrUnsupportedDriver = errors.New("eventlog: unsupported driver")
)

// Record is one persisted event.
type Record struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"column:event_type;size:64;index"`
	Timestamp  int64     `gorm:"column:occurred_at;index"`
	Attributes string    `gorm:"type:text"`
	PrevDigest string    `gorm:"size:64"`
	Digest     string    `gorm:"size:64"`
	CreatedAt  time.Time
}

func (Record) TableName() string { return "treasury_events" }

// Event decodes the stored envelope.
func (r Record) Event() (*types.Event, error) {
	attrs := map[string]string{}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("eventlog: decode attributes of %d: %w", r.Sequence, err)
		}
	}
	return &types.Event{Type: r.Type, Timestamp: r.Timestamp, Attributes: attrs}, nil
}

// Digest chains evt onto prev. Attributes are hashed in key order.
func Digest(prev string, eventType string, timestamp int64, attributes string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write([]byte(eventType))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{0})
	h.Write([]byte(attributes))
	return hex.EncodeToString(h.Sum(nil))
}

// Log appends and queries treasury events.
type Log struct {
	db     *gorm.DB
	logger *slog.Logger

	mu   sync.Mutex
	seq  uint64
	head string
}

// Open connects to the event database. driver is "sqlite" or "postgres".
func Open(driver, dsn string) (*Log, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", driver, err)
	}
	return New(db)
}

// New migrates the schema and resumes the digest chain from the last record.
func New(db *gorm.DB) (*Log, error) {
	if db == nil {
		return nil, errors.New("eventlog: nil database")
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	l := &Log{db: db, logger: slog.Default()}
	var last Record
	err := db.Order("sequence desc").Limit(1).Find(&last).Error
	if err != nil {
		return nil, fmt.Errorf("eventlog: load head: %w", err)
	}
	l.seq = last.Sequence
	l.head = last.Digest
	return l, nil
}

// SetLogger overrides the logger used for emitter failures.
func (l *Log) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Append persists evt at the next sequence number.
func (l *Log) Append(ctx context.Context, evt *types.Event) (*Record, error) {
	if evt == nil {
		return nil, errors.New("eventlog: nil event")
	}
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("eventlog: encode attributes: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rec := &Record{
		ID:         uuid.New(),
		Sequence:   l.seq + 1,
		Type:       evt.Type,
		Timestamp:  evt.Timestamp,
		Attributes: string(encoded),
		PrevDigest: l.head,
	}
	rec.Digest = Digest(rec.PrevDigest, rec.Type, rec.Timestamp, rec.Attributes)
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("eventlog: append: %w", err)
	}
	l.seq = rec.Sequence
	l.head = rec.Digest
	return rec, nil
}

// Emitter persists every event carrying an envelope. Failures are logged and
// never reach the engine.
func (l *Log) Emitter() events.Emitter {
	return events.EmitterFunc(func(evt events.Event) {
		env, ok := events.EnvelopeOf(evt)
		if !ok {
			return
		}
		if _, err := l.Append(context.Background(), env); err != nil {
			l.logger.Error("event log append failed", "type", env.Type, "error", err)
		}
	})
}

// Filter narrows Query results. Zero values match everything.
type Filter struct {
	Types         []string
	Since         int64
	Until         int64
	AfterSequence uint64
	Limit         int
}

// Query returns records in sequence order.
func (l *Log) Query(ctx context.Context, f Filter) ([]Record, error) {
	q := l.db.WithContext(ctx).Model(&Record{})
	if len(f.Types) > 0 {
		q = q.Where("event_type IN ?", f.Types)
	}
	if f.Since > 0 {
		q = q.Where("occurred_at >= ?", f.Since)
	}
	if f.Until > 0 {
		q = q.Where("occurred_at <= ?", f.Until)
	}
	if f.AfterSequence > 0 {
		q = q.Where("sequence > ?", f.AfterSequence)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []Record
	if err := q.Order("sequence asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	return out, nil
}

// Head returns the last sequence number and digest.
func (l *Log) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.head
}

// Verify walks the whole chain and returns the number of records checked.
func (l *Log) Verify(ctx context.Context) (int, error) {
	const batch = 500
	prev := ""
	var after uint64
	checked := 0
	for {
		records, err := l.Query(ctx, Filter{AfterSequence: after, Limit: batch})
		if err != nil {
			return checked, err
		}
		for _, rec := range records {
			if rec.PrevDigest != prev || Digest(prev, rec.Type, rec.Timestamp, rec.Attributes) != rec.Digest {
				return checked, fmt.Errorf("%w: sequence %d", ErrDigestMismatch, rec.Sequence)
			}
			prev = rec.Digest
			after = rec.Sequence
			checked++
		}
		if len(records) < batch {
			return checked, nil
		}
	}
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
