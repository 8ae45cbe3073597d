// Package journal stores ledger outcomes in PostgreSQL so the adaptive window survives restarts.
package journal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"lane_trading/internal/ledger"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
	defaultBuffer          = 1024
	defaultBatch           = 64
)

// Option defines connection options for PostgreSQL.
type Option struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
	Buffer     int
}

func (opt Option) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// OutcomeRecord is the persisted form of a ledger outcome.
type OutcomeRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Lane        string `gorm:"size:64;index"`
	Instrument  string `gorm:"size:32;index:idx_outcome_instrument_at"`
	PositionID  string `gorm:"size:64"`
	Stage       string `gorm:"size:32"`
	Weight      float64
	R           float64
	Units       int64
	DurationSec float64
	At          time.Time `gorm:"index:idx_outcome_instrument_at"`
	CreatedAt   time.Time
}

func (OutcomeRecord) TableName() string { return "outcome_events" }

func toRecord(ev ledger.OutcomeEvent) OutcomeRecord {
	return OutcomeRecord{
		Lane:        ev.Lane,
		Instrument:  ev.Instrument,
		PositionID:  ev.PositionID,
		Stage:       ev.Stage,
		Weight:      ev.Weight,
		R:           ev.R,
		Units:       ev.Units,
		DurationSec: ev.Duration.Seconds(),
		At:          ev.At.UTC(),
	}
}

func (r OutcomeRecord) event() ledger.OutcomeEvent {
	return ledger.OutcomeEvent{
		Lane:       r.Lane,
		Instrument: r.Instrument,
		PositionID: r.PositionID,
		Stage:      r.Stage,
		Weight:     r.Weight,
		R:          r.R,
		Units:      r.Units,
		Duration:   time.Duration(r.DurationSec * float64(time.Second)),
		At:         r.At,
	}
}

// Journal writes outcomes on a background worker so the ledger never waits on the database.
type Journal struct {
	db    *gorm.DB
	log   *zap.Logger
	write func(ctx context.Context, recs []OutcomeRecord) error

	queue   chan OutcomeRecord
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	dropped int
}

// Open connects, migrates the schema and starts the writer.
func Open(opt Option, log *zap.Logger) (*Journal, error) {
	connString, err := opt.dsn()
	if err != nil {
		return nil, err
	}
	config := opt.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	}
	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if err := db.AutoMigrate(&OutcomeRecord{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	j := newJournal(opt.Buffer, log)
	j.db = db
	j.write = func(ctx context.Context, recs []OutcomeRecord) error {
		return db.WithContext(ctx).CreateInBatches(recs, defaultBatch).Error
	}
	go j.run()
	return j, nil
}

func newJournal(buffer int, log *zap.Logger) *Journal {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		log:   log.Named("journal"),
		queue: make(chan OutcomeRecord, buffer),
		done:  make(chan struct{}),
	}
}

// RecordOutcome queues an outcome. When the queue is full the outcome is dropped and counted.
func (j *Journal) RecordOutcome(ev ledger.OutcomeEvent) {
	select {
	case j.queue <- toRecord(ev):
	default:
		j.mu.Lock()
		j.dropped++
		j.mu.Unlock()
		j.log.Warn("journal queue full, outcome dropped", zap.String("position_id", ev.PositionID))
	}
}

// Dropped reports how many outcomes were lost to a full queue.
func (j *Journal) Dropped() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

func (j *Journal) run() {
	defer close(j.done)
	batch := make([]OutcomeRecord, 0, defaultBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := j.write(ctx, batch); err != nil {
			j.log.Error("journal write failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case rec, ok := <-j.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= defaultBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Since loads outcomes recorded at or after t, oldest first.
func (j *Journal) Since(ctx context.Context, t time.Time) ([]ledger.OutcomeEvent, error) {
	if j.db == nil {
		return nil, nil
	}
	var recs []OutcomeRecord
	if err := j.db.WithContext(ctx).Where("at >= ?", t.UTC()).Order("at asc").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("journal: since: %w", err)
	}
	out := make([]ledger.OutcomeEvent, len(recs))
	for i, r := range recs {
		out[i] = r.event()
	}
	return out, nil
}

// Close flushes queued outcomes and closes the connection pool.
func (j *Journal) Close() error {
	j.once.Do(func() { close(j.queue) })
	<-j.done
	if j.db == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
