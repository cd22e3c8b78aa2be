package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/minisource/runsched/internal/program"
	"github.com/minisource/runsched/internal/runs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PostgresConfig mirrors the teacher's config.PostgresConfig shape.
type PostgresConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	DBName             string
	SSLMode            string
	LogLevel           string
	MaxIdleConns       int
	MaxOpenConns       int
	MaxLifetimeMinutes int
}

// NewPostgresConnection opens a GORM connection to Postgres, adapted from
// the teacher's internal/database/postgres.go.
func NewPostgresConnection(cfg PostgresConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "info":
		logLevel = logger.Info
	case "warn":
		logLevel = logger.Warn
	case "error":
		logLevel = logger.Error
	}

	gormConfig := &gorm.Config{
		Logger: logger.New(
			log.New(os.Stdout, "\r\n", log.LstdFlags),
			logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  logLevel,
				IgnoreRecordNotFoundError: true,
				Colorful:                  true,
			},
		),
	}

	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: obtaining underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.MaxLifetimeMinutes) * time.Minute)

	return db, nil
}

// AutoMigrate runs auto-migration for every row model this package defines.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&rowRun{}, &rowOutput{}, &rowClock{}, &rowJob{})
}

// Close closes the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// rowRun is the durable row shape for a runs.Run (spec.md §4.1 "runs").
type rowRun struct {
	RunID    string `gorm:"type:varchar(64);primaryKey"`
	JobID    string `gorm:"type:varchar(255);not null;index:idx_runs_job"`
	Args     []byte `gorm:"type:jsonb"`
	Rerun    string `gorm:"type:varchar(64);not null;index:idx_runs_rerun"`
	Expected bool   `gorm:"not null;default:false"`
	State    string `gorm:"type:varchar(20);not null;index:idx_runs_state"`
	Times    []byte `gorm:"type:jsonb"`
	Meta     []byte `gorm:"type:jsonb"`
	Message  string `gorm:"type:text"`
	Outputs  []byte `gorm:"type:jsonb"`
	Program  []byte `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (rowRun) TableName() string { return "runs" }

func toRow(r *runs.Run) (*rowRun, error) {
	args, err := json.Marshal(r.Inst.Args)
	if err != nil {
		return nil, err
	}
	times, err := json.Marshal(r.Times)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(r.Meta)
	if err != nil {
		return nil, err
	}
	outputs, err := json.Marshal(r.Outputs)
	if err != nil {
		return nil, err
	}
	var prog []byte
	if r.Program != nil {
		prog, err = json.Marshal(r.Program.Serialize())
		if err != nil {
			return nil, err
		}
	}
	return &rowRun{
		RunID:    r.RunID,
		JobID:    r.Inst.JobID,
		Args:     args,
		Rerun:    r.Rerun,
		Expected: r.Expected,
		State:    string(r.State),
		Times:    times,
		Meta:     meta,
		Message:  r.Message,
		Outputs:  outputs,
		Program:  prog,
	}, nil
}

func fromRow(row *rowRun) (*runs.Run, error) {
	r := runs.New(row.RunID, runs.Instance{JobID: row.JobID}, row.Rerun, row.Expected)
	if len(row.Args) > 0 {
		if err := json.Unmarshal(row.Args, &r.Inst.Args); err != nil {
			return nil, err
		}
	}
	r.State = runs.State(row.State)
	r.Message = row.Message
	if len(row.Times) > 0 {
		if err := json.Unmarshal(row.Times, &r.Times); err != nil {
			return nil, err
		}
	}
	if len(row.Meta) > 0 {
		if err := json.Unmarshal(row.Meta, &r.Meta); err != nil {
			return nil, err
		}
	}
	if len(row.Outputs) > 0 {
		if err := json.Unmarshal(row.Outputs, &r.Outputs); err != nil {
			return nil, err
		}
	}
	if len(row.Program) > 0 {
		var serialized program.Serialized
		if err := json.Unmarshal(row.Program, &serialized); err != nil {
			return nil, err
		}
		prog, err := program.FromSerialized(serialized)
		if err != nil {
			return nil, err
		}
		r.Program = prog
	}
	return r, nil
}

// GormRunStore is the Postgres-backed RunStore.
type GormRunStore struct {
	db *gorm.DB
}

func NewGormRunStore(db *gorm.DB) *GormRunStore { return &GormRunStore{db: db} }

func (s *GormRunStore) Add(ctx context.Context, run *runs.Run) error {
	row, err := toRow(run)
	if err != nil {
		return err
	}
	var existing rowRun
	err = s.db.WithContext(ctx).First(&existing, "run_id = ?", run.RunID).Error
	if err == nil {
		return ErrDuplicateRun
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *GormRunStore) Update(ctx context.Context, run *runs.Run, transitionTime time.Time) error {
	row, err := toRow(run)
	if err != nil {
		return err
	}
	// Select the mutable columns explicitly (and omit created_at/run_id) so
	// every listed column is written even when zero-valued, e.g. a Message
	// cleared back to "", which a bare Updates(row) would silently skip.
	result := s.db.WithContext(ctx).Model(&rowRun{}).Where("run_id = ?", run.RunID).
		Select("job_id", "args", "rerun", "expected", "state", "times", "meta", "message", "outputs", "program").
		Updates(row)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *GormRunStore) Get(ctx context.Context, runID string) (*runs.Run, error) {
	var row rowRun
	err := s.db.WithContext(ctx).First(&row, "run_id = ?", runID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromRow(&row)
}

func (s *GormRunStore) Query(ctx context.Context, filter RunFilter) ([]*runs.Run, error) {
	q := s.db.WithContext(ctx).Model(&rowRun{})
	if filter.State != nil {
		q = q.Where("state = ?", string(*filter.State))
	}
	if filter.Rerun != "" {
		q = q.Where("rerun = ?", filter.Rerun)
	}
	var rows []rowRun
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*runs.Run, 0, len(rows))
	for i := range rows {
		r, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// rowOutput is the durable row shape for a run's recorded output blobs.
type rowOutput struct {
	RunID     string `gorm:"type:varchar(64);primaryKey"`
	OutputID  string `gorm:"type:varchar(64);primaryKey"`
	Blob      []byte `gorm:"type:bytea"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (rowOutput) TableName() string { return "run_outputs" }

// GormOutputStore is the Postgres-backed OutputStore.
type GormOutputStore struct {
	db *gorm.DB
}

func NewGormOutputStore(db *gorm.DB) *GormOutputStore { return &GormOutputStore{db: db} }

func (s *GormOutputStore) Add(ctx context.Context, runID, outputID string, blob []byte) error {
	var existing rowOutput
	err := s.db.WithContext(ctx).First(&existing, "run_id = ? AND output_id = ?", runID, outputID).Error
	if err == nil {
		return ErrDuplicateOutput
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}
	return s.db.WithContext(ctx).Create(&rowOutput{RunID: runID, OutputID: outputID, Blob: blob}).Error
}

func (s *GormOutputStore) Get(ctx context.Context, runID, outputID string) ([]byte, error) {
	var row rowOutput
	err := s.db.WithContext(ctx).First(&row, "run_id = ? AND output_id = ?", runID, outputID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrOutputNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.Blob, nil
}

// rowClock is a single-row table holding the schedule horizon.
type rowClock struct {
	ID     int       `gorm:"primaryKey"`
	AsOf   time.Time `gorm:"not null"`
}

func (rowClock) TableName() string { return "schedule_clock" }

// GormClockStore is the Postgres-backed ClockStore.
type GormClockStore struct {
	db *gorm.DB
}

func NewGormClockStore(db *gorm.DB) *GormClockStore { return &GormClockStore{db: db} }

func (s *GormClockStore) GetTime(ctx context.Context) (time.Time, error) {
	var row rowClock
	err := s.db.WithContext(ctx).First(&row, "id = ?", 1).Error
	if err == gorm.ErrRecordNotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return row.AsOf, nil
}

func (s *GormClockStore) SetTime(ctx context.Context, t time.Time) error {
	current, err := s.GetTime(ctx)
	if err != nil {
		return err
	}
	if t.Before(current) {
		return ErrClockNotMonotone
	}
	return s.db.WithContext(ctx).Save(&rowClock{ID: 1, AsOf: t}).Error
}

// rowJob mirrors a catalog.Job's serialized form for operator inspection.
type rowJob struct {
	JobID      string `gorm:"type:varchar(255);primaryKey"`
	Serialized []byte `gorm:"type:jsonb"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

func (rowJob) TableName() string { return "jobs" }

// GormJobStore is the Postgres-backed JobStore.
type GormJobStore struct {
	db *gorm.DB
}

func NewGormJobStore(db *gorm.DB) *GormJobStore { return &GormJobStore{db: db} }

func (s *GormJobStore) Upsert(ctx context.Context, jobID string, serialized []byte) error {
	return s.db.WithContext(ctx).Save(&rowJob{JobID: jobID, Serialized: serialized}).Error
}

func (s *GormJobStore) Get(ctx context.Context, jobID string) ([]byte, error) {
	var row rowJob
	err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Serialized, nil
}

func (s *GormJobStore) All(ctx context.Context) (map[string][]byte, error) {
	var rows []rowJob
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(rows))
	for _, row := range rows {
		out[row.JobID] = row.Serialized
	}
	return out, nil
}

// NewGormStore builds a Store backed entirely by Postgres via db.
func NewGormStore(db *gorm.DB) *Store {
	return &Store{
		Runs:    NewGormRunStore(db),
		Outputs: NewGormOutputStore(db),
		Clock:   NewGormClockStore(db),
		Jobs:    NewGormJobStore(db),
	}
}
