package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"taxfiler/internal/common/errors"
	"taxfiler/internal/config"
	"taxfiler/internal/saga"
	"taxfiler/internal/storage"
)

const sagaColumns = `id, taxpayer_id, tax_year, state, calculation_reference, calculation_result,
	declaration, charge_reference, failure_reason, failed_from, calculation_key, declaration_key,
	version, created_at, updated_at`

type Adapter struct {
	db     *sql.DB
	config *Config
	sealer storage.Sealer
}

func NewAdapter(config *Config, sealer storage.Sealer) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", config.GetConnectionString())
	if err != nil {
		return nil, errors.ConnectionError("failed to open database", err)
	}
	// One writer at a time; WAL lets readers through.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.ConnectionError("failed to ping database", err)
	}

	adapter := &Adapter{
		db:     db,
		config: config,
		sealer: sealer,
	}

	if err := adapter.migrate(); err != nil {
		db.Close()
		return nil, errors.InternalError("failed to migrate database", err)
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return errors.ConnectionError("database unreachable", err)
	}
	return nil
}

func (a *Adapter) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sagas (
			id TEXT PRIMARY KEY,
			taxpayer_id TEXT NOT NULL,
			tax_year TEXT NOT NULL,
			state TEXT NOT NULL,
			calculation_reference TEXT NOT NULL DEFAULT '',
			calculation_result TEXT NOT NULL DEFAULT '',
			declaration TEXT NOT NULL DEFAULT '',
			charge_reference TEXT NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			failed_from TEXT NOT NULL DEFAULT '',
			calculation_key TEXT NOT NULL DEFAULT '',
			declaration_key TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sagas_active
			ON sagas(taxpayer_id, tax_year) WHERE state <> 'COMPLETED'`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_taxpayer_created
			ON sagas(taxpayer_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := a.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

// Settings

func (a *Adapter) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := a.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.InternalError("failed to read setting "+key, err)
	}
	return value, nil
}

func (a *Adapter) SetSetting(ctx context.Context, key, value string) error {
	_, err := a.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, storage.FormatTime(time.Now()))
	if err != nil {
		return errors.InternalError("failed to write setting "+key, err)
	}
	return nil
}

// Sagas

func (a *Adapter) CreateSaga(ctx context.Context, s *saga.Saga) error {
	if s.Version == 0 {
		s.Version = 1
	}
	row, err := storage.EncodeSaga(a.sealer, s)
	if err != nil {
		return err
	}

	_, err = a.db.ExecContext(ctx, `INSERT INTO sagas (`+sagaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.TaxpayerID, row.TaxYear, row.State, row.CalculationReference, row.CalculationResult,
		row.Declaration, row.ChargeReference, row.FailureReason, row.FailedFrom, row.CalculationKey,
		row.DeclarationKey, row.Version, storage.FormatTime(row.CreatedAt), storage.FormatTime(row.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.KindDuplicate, "an active saga already exists for "+s.TaxYear, err)
		}
		return errors.InternalError("failed to create saga", err)
	}
	return nil
}

func (a *Adapter) UpdateSaga(ctx context.Context, s *saga.Saga, expectedVersion int64) error {
	row, err := storage.EncodeSaga(a.sealer, s)
	if err != nil {
		return err
	}

	res, err := a.db.ExecContext(ctx, `UPDATE sagas SET
			state = ?, calculation_reference = ?, calculation_result = ?, declaration = ?,
			charge_reference = ?, failure_reason = ?, failed_from = ?, calculation_key = ?,
			declaration_key = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		row.State, row.CalculationReference, row.CalculationResult, row.Declaration,
		row.ChargeReference, row.FailureReason, row.FailedFrom, row.CalculationKey,
		row.DeclarationKey, expectedVersion+1, storage.FormatTime(row.UpdatedAt),
		row.ID, expectedVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.KindDuplicate, "an active saga already exists for "+s.TaxYear, err)
		}
		return errors.InternalError("failed to update saga "+s.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.InternalError("failed to update saga "+s.ID, err)
	}
	if n == 0 {
		var current int64
		err := a.db.QueryRowContext(ctx, "SELECT version FROM sagas WHERE id = ?", s.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return errors.NotFoundError("saga " + s.ID)
		}
		if err != nil {
			return errors.InternalError("failed to read saga version", err)
		}
		return errors.Newf(errors.KindVersionConflict, "saga %s is at version %d, not %d", s.ID, current, expectedVersion)
	}

	s.Version = expectedVersion + 1
	return nil
}

func (a *Adapter) GetSaga(ctx context.Context, id string) (*saga.Saga, error) {
	s, err := a.queryOne(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.NotFoundError("saga " + id)
	}
	return s, nil
}

func (a *Adapter) FindActiveSaga(ctx context.Context, taxpayerID, taxYear string) (*saga.Saga, error) {
	return a.queryOne(ctx, `SELECT `+sagaColumns+` FROM sagas
		WHERE taxpayer_id = ? AND tax_year = ? AND state <> 'COMPLETED'
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, taxpayerID, taxYear)
}

func (a *Adapter) FindLatestSaga(ctx context.Context, taxpayerID, taxYear string) (*saga.Saga, error) {
	return a.queryOne(ctx, `SELECT `+sagaColumns+` FROM sagas
		WHERE taxpayer_id = ? AND tax_year = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, taxpayerID, taxYear)
}

func (a *Adapter) ListSagas(ctx context.Context, taxpayerID string) ([]*saga.Saga, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT `+sagaColumns+` FROM sagas
		WHERE taxpayer_id = ? ORDER BY created_at DESC, rowid DESC`, taxpayerID)
	if err != nil {
		return nil, errors.InternalError("failed to list sagas", err)
	}
	defer rows.Close()

	var sagas []*saga.Saga
	for rows.Next() {
		s, err := a.scan(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.InternalError("failed to list sagas", err)
	}
	return sagas, nil
}

// queryOne returns nil without an error when nothing matches
func (a *Adapter) queryOne(ctx context.Context, query string, args ...interface{}) (*saga.Saga, error) {
	s, err := a.scan(a.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (a *Adapter) scan(sc scanner) (*saga.Saga, error) {
	var row storage.SagaRow
	var createdAt, updatedAt string
	err := sc.Scan(&row.ID, &row.TaxpayerID, &row.TaxYear, &row.State, &row.CalculationReference,
		&row.CalculationResult, &row.Declaration, &row.ChargeReference, &row.FailureReason,
		&row.FailedFrom, &row.CalculationKey, &row.DeclarationKey, &row.Version, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errors.InternalError("failed to read saga", err)
	}

	if row.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, errors.InternalError("bad created_at on saga "+row.ID, err)
	}
	if row.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, errors.InternalError("bad updated_at on saga "+row.ID, err)
	}
	return storage.DecodeSaga(a.sealer, &row)
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !stderrors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

type Factory struct{}

func (f *Factory) Create(cfg *config.Config, sealer storage.Sealer) (storage.Storage, error) {
	return NewAdapter(&Config{DatabasePath: cfg.DatabasePath}, sealer)
}

func (f *Factory) GetType() string {
	return "sqlite"
}

func init() {
	storage.Register("sqlite", &Factory{})
}
