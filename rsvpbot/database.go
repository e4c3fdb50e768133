package rsvpbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnEventGuildID   = "guild_id"
	columnEventStartTime = "start_time"
	columnRSVPEventID    = "event_id"

	// storeWriteAttempts is the number of times a failed write is
	// attempted before the error is surfaced to the caller
	storeWriteAttempts = 2
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
	storeRetryDelay    = 250 * time.Millisecond
)

// Store is the durable backing for the event registry.
//
// Upsert must be atomic: after a crash, a reader sees either the previous
// version of the event or the new one, never a mix.
type Store interface {
	LoadAll(ctx context.Context) ([]Event, error)
	Upsert(ctx context.Context, event Event) error
}

// eventRecord is the persisted form of an Event. Timestamps are
// stored as unix milliseconds.
type eventRecord struct {
	ModelStringID
	Title           string            `gorm:"not null"`
	Description     string            `gorm:"not null"`
	OwnerID         string            `gorm:"not null"`
	GuildID         string            `gorm:"index;not null"`
	ChannelID       string            `gorm:"not null"`
	StartTime       int64             `gorm:"index;not null"`
	DurationMinutes int               `gorm:"not null"`
	Cancelled       bool              `gorm:"not null;default:false"`
	ReminderSent    bool              `gorm:"not null;default:false"`
	CreatedAt       int64             `gorm:"autoCreateTime:milli"`
	UpdatedAt       int64             `gorm:"autoUpdateTime:milli"`
	RSVPs           []eventRSVPRecord `gorm:"foreignKey:EventID;constraint:OnDelete:CASCADE"`
}

func (eventRecord) TableName() string {
	return "events"
}

type eventRSVPRecord struct {
	EventID     string     `gorm:"primaryKey"`
	UserID      string     `gorm:"primaryKey"`
	Choice      RSVPChoice `gorm:"not null"`
	RespondedAt int64      `gorm:"not null"`
}

func (eventRSVPRecord) TableName() string {
	return "event_rsvps"
}

func newEventRecord(e Event) eventRecord {
	rec := eventRecord{
		ModelStringID:   ModelStringID{ID: e.ID},
		Title:           e.Title,
		Description:     e.Description,
		OwnerID:         e.OwnerID,
		GuildID:         e.GuildID,
		ChannelID:       e.ChannelID,
		StartTime:       e.StartTime.UnixMilli(),
		DurationMinutes: e.DurationMinutes,
		Cancelled:       e.Cancelled,
		ReminderSent:    e.ReminderSent,
		CreatedAt:       e.CreatedAt.UnixMilli(),
		RSVPs:           make([]eventRSVPRecord, 0, len(e.RSVPs)),
	}
	for _, r := range e.RSVPs {
		rec.RSVPs = append(
			rec.RSVPs, eventRSVPRecord{
				EventID:     e.ID,
				UserID:      r.UserID,
				Choice:      r.Choice,
				RespondedAt: r.UpdatedAt.UnixMilli(),
			},
		)
	}
	return rec
}

func (r eventRecord) Event() Event {
	e := Event{
		ID:              r.ID,
		Title:           r.Title,
		Description:     r.Description,
		OwnerID:         r.OwnerID,
		GuildID:         r.GuildID,
		ChannelID:       r.ChannelID,
		StartTime:       time.UnixMilli(r.StartTime).UTC(),
		DurationMinutes: r.DurationMinutes,
		CreatedAt:       time.UnixMilli(r.CreatedAt).UTC(),
		Cancelled:       r.Cancelled,
		ReminderSent:    r.ReminderSent,
		RSVPs:           make(map[string]RSVP, len(r.RSVPs)),
	}
	for _, rsvp := range r.RSVPs {
		e.RSVPs[rsvp.UserID] = RSVP{
			UserID:    rsvp.UserID,
			Choice:    rsvp.Choice,
			UpdatedAt: time.UnixMilli(rsvp.RespondedAt).UTC(),
		}
	}
	return e
}

type ModelStringID struct {
	ID string `gorm:"primaryKey" json:"id"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// database wraps a gorm connection, serializing writes unless
// concurrent writes are enabled, and applying a default timeout to
// operations whose context has no deadline.
//
// It implements Store for events, and also records InteractionLog entries.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase returns a database for the given connection. SQLite
// connections should leave enableConcurrentWrites false.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "database"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any, omit ...string) (
	rowsAffected int64,
	err error,
) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	db := d.db.WithContext(ctx)
	if len(omit) > 0 {
		db = db.Omit(omit...)
	}
	rv := db.Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// LoadAll returns every stored event, cancelled or not, ordered by start time
func (d *database) LoadAll(ctx context.Context) ([]Event, error) {
	return d.loadEvents(ctx, d.db)
}

// LoadGuild returns the guild's stored events, cancelled or not, ordered
// by start time
func (d *database) LoadGuild(ctx context.Context, guildID string) ([]Event, error) {
	return d.loadEvents(
		ctx,
		d.db.Where(fmt.Sprintf("%s = ?", columnEventGuildID), guildID),
	)
}

func (d *database) loadEvents(ctx context.Context, query *gorm.DB) ([]Event, error) {
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	var records []eventRecord
	err := query.WithContext(ctx).
		Preload("RSVPs").
		Order(columnEventStartTime).
		Find(&records).Error
	if err != nil {
		return nil, &StoreError{Op: "load", Err: err}
	}

	events := make([]Event, 0, len(records))
	for _, rec := range records {
		events = append(events, rec.Event())
	}
	return events, nil
}

// Upsert writes the event and replaces its RSVPs in a single transaction.
// A failed write is retried once before returning a *StoreError.
func (d *database) Upsert(ctx context.Context, event Event) error {
	rec := newEventRecord(event)

	var err error
	for attempt := 1; attempt <= storeWriteAttempts; attempt++ {
		err = d.Transaction(
			ctx, func(tx *gorm.DB) error {
				return upsertEventRecord(tx, rec)
			},
		)
		if err == nil {
			return nil
		}
		d.logger.WarnContext(
			ctx,
			"error writing event",
			"event_id", event.ID,
			"attempt", attempt,
			tint.Err(err),
		)
		if attempt < storeWriteAttempts {
			select {
			case <-ctx.Done():
				return &StoreError{
					Op:  "upsert",
					Err: errors.Join(err, ctx.Err()),
				}
			case <-time.After(storeRetryDelay):
			}
		}
	}
	return &StoreError{Op: "upsert", Err: err}
}

func upsertEventRecord(tx *gorm.DB, rec eventRecord) error {
	rsvps := rec.RSVPs
	rec.RSVPs = nil

	if err := tx.Omit(clause.Associations).Clauses(
		clause.OnConflict{UpdateAll: true},
	).Create(&rec).Error; err != nil {
		return fmt.Errorf("error saving event: %w", err)
	}

	if err := tx.Where(
		fmt.Sprintf("%s = ?", columnRSVPEventID),
		rec.ID,
	).Delete(&eventRSVPRecord{}).Error; err != nil {
		return fmt.Errorf("error clearing rsvps: %w", err)
	}

	if len(rsvps) > 0 {
		if err := tx.Create(&rsvps).Error; err != nil {
			return fmt.Errorf("error saving rsvps: %w", err)
		}
	}
	return nil
}

// CreateDB initializes and returns a GORM database connection based on the
// specified database type, logging at warn level. It also performs
// auto-migration for the bot's models.
//
// Parameters:
//   - ctx: The context for the database operations.
//   - databaseType: The type of the database, must be 'sqlite' or 'postgres'.
//   - database: The database connection string, or SQLite file path.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	return openDB(
		ctx,
		databaseType,
		database,
		newGORMLogger(newLogHandler(slog.LevelWarn), DefaultDatabaseSlowThreshold),
	)
}

func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	dbLogger := gormLogger.logger

	dbLogger.InfoContext(
		ctx,
		"Initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	txn := db.WithContext(ctx).Begin()
	if txn.Error != nil {
		return db, txn.Error
	}

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&eventRecord{},
		&eventRSVPRecord{},
		&InteractionLog{},
	)
	if err != nil {
		txn.Rollback()
		return db, err
	}

	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}

	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
