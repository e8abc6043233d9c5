// Package sagastore persists saga instances with GORM.
//
// Every instance is a row of saga_instances holding the saga data as JSON
// next to its correlation property and canonically encoded value. Rows are
// unique per saga type, property and value, so two sagas correlating on the
// same property and value never see each other's instances.
package sagastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bjaus/sagabus/internal/config"
	"github.com/bjaus/sagabus/saga"
)

var (
	// ErrConflict is returned by Save when an instance with the same
	// correlation already exists.
	ErrConflict = errors.New("sagastore: saga instance already exists")

	// ErrNotFound is returned when an update or load targets no instance.
	ErrNotFound = errors.New("sagastore: saga instance not found")

	// ErrSessionClosed is returned for operations on a finished session.
	ErrSessionClosed = errors.New("sagastore: session closed")
)

type instance struct {
	ID                  uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	SagaType            string          `gorm:"column:saga_type;not null;uniqueIndex:idx_saga_correlation,priority:1"`
	CorrelationProperty string          `gorm:"column:correlation_property;not null;default:'';uniqueIndex:idx_saga_correlation,priority:2"`
	CorrelationValue    *string         `gorm:"column:correlation_value;uniqueIndex:idx_saga_correlation,priority:3"`
	Data                json.RawMessage `gorm:"column:data;not null"`
	CreatedAt           time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (instance) TableName() string { return "saga_instances" }

// Store implements saga.Persister.
type Store struct {
	db    *gorm.DB
	sagas map[string]*saga.Metadata
}

// New wraps an open GORM connection.
func New(db *gorm.DB) *Store {
	return &Store{db: db, sagas: make(map[string]*saga.Metadata)}
}

// Open connects to the configured database and applies pool settings.
func Open(ctx context.Context, cfg config.DBConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dialector = postgres.New(postgres.Config{
			DSN:                  cfg.DSN,
			PreferSimpleProtocol: true,
		})
	case config.DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening db connection: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql db handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(conn)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates or updates the saga_instances table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&instance{}); err != nil {
		return fmt.Errorf("migrate saga_instances: %w", err)
	}
	return nil
}

// Register makes the data types of the given sagas loadable. Call it for
// every saga before the first session is opened.
func (s *Store) Register(mds ...*saga.Metadata) {
	for _, md := range mds {
		s.sagas[md.Name()] = md
	}
}

// DB returns the underlying GORM connection.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close shuts down the pooled connections.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// OpenSession begins a transaction.
func (s *Store) OpenSession(ctx context.Context) (saga.Session, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, fmt.Errorf("begin session: %w", tx.Error)
	}
	return &session{store: s, tx: tx}, nil
}

// Find implements saga.Persister. The lookup is scoped to sagaName.
func (s *Store) Find(ctx context.Context, sess saga.Session, sagaName, property string, value any) (saga.Data, error) {
	tx, err := s.txFor(sess)
	if err != nil {
		return nil, err
	}
	encoded, err := saga.EncodeValue(value)
	if err != nil {
		return nil, err
	}

	var row instance
	err = tx.WithContext(ctx).
		Where("saga_type = ? AND correlation_property = ? AND correlation_value = ?", sagaName, property, encoded).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", sagaName, property, err)
	}
	return s.decode(row)
}

// Load returns the instance of sagaName with the given id. Custom finders
// use it after resolving an id through their own queries.
func (s *Store) Load(ctx context.Context, sess saga.Session, sagaName string, id uuid.UUID) (saga.Data, error) {
	tx, err := s.txFor(sess)
	if err != nil {
		return nil, err
	}
	var row instance
	err = tx.WithContext(ctx).
		Where("id = ? AND saga_type = ?", id, sagaName).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", sagaName, id, err)
	}
	return s.decode(row)
}

// Tx exposes the transaction behind a session opened by a Store.
func Tx(sess saga.Session) (*gorm.DB, bool) {
	ss, ok := sess.(*session)
	if !ok || ss.done {
		return nil, false
	}
	return ss.tx, true
}

func (s *Store) txFor(sess saga.Session) (*gorm.DB, error) {
	ss, ok := sess.(*session)
	if !ok || ss.store != s {
		return nil, fmt.Errorf("sagastore: session %T was not opened by this store", sess)
	}
	if ss.done {
		return nil, ErrSessionClosed
	}
	return ss.tx, nil
}

func (s *Store) decode(row instance) (saga.Data, error) {
	md, ok := s.sagas[row.SagaType]
	if !ok {
		return nil, fmt.Errorf("sagastore: saga %q is not registered", row.SagaType)
	}
	data := md.NewData()
	if err := json.Unmarshal(row.Data, data); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", row.SagaType, row.ID, err)
	}
	data.SagaEntity().ID = row.ID
	return data, nil
}

func toRow(rec saga.Record) (instance, error) {
	if rec.Data == nil {
		return instance{}, errors.New("sagastore: record without data")
	}
	entity := rec.Data.SagaEntity()
	if entity.ID == uuid.Nil {
		return instance{}, errors.New("sagastore: record without id")
	}
	raw, err := json.Marshal(rec.Data)
	if err != nil {
		return instance{}, fmt.Errorf("encode %s %s: %w", rec.Saga, entity.ID, err)
	}
	row := instance{
		ID:                  entity.ID,
		SagaType:            rec.Saga,
		CorrelationProperty: rec.CorrelationProperty,
		Data:                raw,
	}
	if rec.CorrelationProperty != "" {
		encoded, err := saga.EncodeValue(rec.CorrelationValue)
		if err != nil {
			return instance{}, err
		}
		row.CorrelationValue = &encoded
	}
	return row, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "UNIQUE constraint failed")
}
