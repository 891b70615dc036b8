package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/observability"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SearchAudit is one row of the search audit trail.
type SearchAudit struct {
	RequestID string
	Origin    models.Coord
	RadiusKm  float64
	Filters   string
	Results   int
	Fallback  bool
	At        time.Time
}

type AuditStore interface {
	RecordSearch(ctx context.Context, a SearchAudit) error
}

// NopAudit discards audit rows.
type NopAudit struct{}

func (NopAudit) RecordSearch(context.Context, SearchAudit) error { return nil }

type PostgresAudit struct {
	db *sql.DB
}

func NewPostgresAudit(dsn string) (*PostgresAudit, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresAudit{db: db}, nil
}

// Migrate applies the embedded schema files in name order.
func (p *PostgresAudit) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (p *PostgresAudit) RecordSearch(ctx context.Context, a SearchAudit) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO search_audit(request_id, origin_lat, origin_lng, radius_km, filters, results, fallback, created_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.RequestID, a.Origin.Lat, a.Origin.Lng, a.RadiusKm, a.Filters, a.Results, a.Fallback, a.At)
	return err
}

func (p *PostgresAudit) Close() error { return p.db.Close() }

const (
	defaultAuditBuffer       = 256
	defaultAuditWriteTimeout = 2 * time.Second
)

// AsyncAudit queues audit rows for a single background writer so searches
// never wait on the audit database. Rows are dropped when the queue is full.
type AsyncAudit struct {
	next         AuditStore
	queue        chan SearchAudit
	writeTimeout time.Duration
	logger       *slog.Logger
	done         chan struct{}
	closeOnce    sync.Once
}

func NewAsyncAudit(next AuditStore, buffer int, logger *slog.Logger) *AsyncAudit {
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncAudit{
		next:         next,
		queue:        make(chan SearchAudit, buffer),
		writeTimeout: defaultAuditWriteTimeout,
		logger:       logger,
		done:         make(chan struct{}),
	}
	go a.run()
	return a
}

// RecordSearch enqueues the row and returns immediately.
func (a *AsyncAudit) RecordSearch(_ context.Context, row SearchAudit) error {
	select {
	case a.queue <- row:
	default:
		observability.AuditDropped.Inc()
	}
	return nil
}

func (a *AsyncAudit) run() {
	defer close(a.done)
	for row := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		if err := a.next.RecordSearch(ctx, row); err != nil {
			a.logger.Warn("search audit write failed", "request_id", row.RequestID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting rows and waits for queued rows to be written.
// RecordSearch must not be called after Close.
func (a *AsyncAudit) Close() error {
	a.closeOnce.Do(func() { close(a.queue) })
	<-a.done
	return nil
}
