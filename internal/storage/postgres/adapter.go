package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"taxfiler/internal/common/errors"
	appconfig "taxfiler/internal/config"
	"taxfiler/internal/saga"
	"taxfiler/internal/storage"
)

const uniqueViolation = "23505"

const sagaColumns = `id, taxpayer_id, tax_year, state, calculation_reference, calculation_result,
	declaration, charge_reference, failure_reason, failed_from, calculation_key, declaration_key,
	version, created_at, updated_at`

type Adapter struct {
	pool   *pgxpool.Pool
	config *Config
	sealer storage.Sealer
}

func NewAdapter(ctx context.Context, config *Config, sealer storage.Sealer) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(config.GetConnectionString())
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "invalid PostgreSQL connection settings", err)
	}
	poolConfig.MaxConns = config.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.ConnectionError("failed to open database", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.ConnectionError("failed to ping database", err)
	}

	adapter := &Adapter{
		pool:   pool,
		config: config,
		sealer: sealer,
	}

	if err := adapter.migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.InternalError("failed to migrate database", err)
	}

	return adapter, nil
}

func (a *Adapter) Close() error {
	if a.pool != nil {
		a.pool.Close()
	}
	return nil
}

func (a *Adapter) Ping(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return errors.ConnectionError("database unreachable", err)
	}
	return nil
}

func (a *Adapter) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sagas (
			seq BIGSERIAL,
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
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sagas_active
			ON sagas(taxpayer_id, tax_year) WHERE state <> 'COMPLETED'`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_taxpayer_created
			ON sagas(taxpayer_id, created_at DESC)`,
	}

	for _, query := range queries {
		if _, err := a.pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration query: %w", err)
		}
	}

	return nil
}

// Settings

func (a *Adapter) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := a.pool.QueryRow(ctx, "SELECT value FROM settings WHERE key = $1", key).Scan(&value)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.InternalError("failed to read setting "+key, err)
	}
	return value, nil
}

func (a *Adapter) SetSetting(ctx context.Context, key, value string) error {
	_, err := a.pool.Exec(ctx, `INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
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

	_, err = a.pool.Exec(ctx, `INSERT INTO sagas (`+sagaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		row.ID, row.TaxpayerID, row.TaxYear, row.State, row.CalculationReference, row.CalculationResult,
		row.Declaration, row.ChargeReference, row.FailureReason, row.FailedFrom, row.CalculationKey,
		row.DeclarationKey, row.Version, row.CreatedAt, row.UpdatedAt)
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

	tag, err := a.pool.Exec(ctx, `UPDATE sagas SET
			state = $1, calculation_reference = $2, calculation_result = $3, declaration = $4,
			charge_reference = $5, failure_reason = $6, failed_from = $7, calculation_key = $8,
			declaration_key = $9, version = $10, updated_at = $11
		WHERE id = $12 AND version = $13`,
		row.State, row.CalculationReference, row.CalculationResult, row.Declaration,
		row.ChargeReference, row.FailureReason, row.FailedFrom, row.CalculationKey,
		row.DeclarationKey, expectedVersion+1, row.UpdatedAt, row.ID, expectedVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(errors.KindDuplicate, "an active saga already exists for "+s.TaxYear, err)
		}
		return errors.InternalError("failed to update saga "+s.ID, err)
	}

	if tag.RowsAffected() == 0 {
		var current int64
		err := a.pool.QueryRow(ctx, "SELECT version FROM sagas WHERE id = $1", s.ID).Scan(&current)
		if stderrors.Is(err, pgx.ErrNoRows) {
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
	s, err := a.queryOne(ctx, `SELECT `+sagaColumns+` FROM sagas WHERE id = $1`, id)
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
		WHERE taxpayer_id = $1 AND tax_year = $2 AND state <> 'COMPLETED'
		ORDER BY created_at DESC, seq DESC LIMIT 1`, taxpayerID, taxYear)
}

func (a *Adapter) FindLatestSaga(ctx context.Context, taxpayerID, taxYear string) (*saga.Saga, error) {
	return a.queryOne(ctx, `SELECT `+sagaColumns+` FROM sagas
		WHERE taxpayer_id = $1 AND tax_year = $2
		ORDER BY created_at DESC, seq DESC LIMIT 1`, taxpayerID, taxYear)
}

func (a *Adapter) ListSagas(ctx context.Context, taxpayerID string) ([]*saga.Saga, error) {
	rows, err := a.pool.Query(ctx, `SELECT `+sagaColumns+` FROM sagas
		WHERE taxpayer_id = $1 ORDER BY created_at DESC, seq DESC`, taxpayerID)
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

func (a *Adapter) queryOne(ctx context.Context, query string, args ...interface{}) (*saga.Saga, error) {
	s, err := a.scan(a.pool.QueryRow(ctx, query, args...))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (a *Adapter) scan(row pgx.Row) (*saga.Saga, error) {
	var r storage.SagaRow
	var createdAt, updatedAt time.Time
	err := row.Scan(&r.ID, &r.TaxpayerID, &r.TaxYear, &r.State, &r.CalculationReference,
		&r.CalculationResult, &r.Declaration, &r.ChargeReference, &r.FailureReason,
		&r.FailedFrom, &r.CalculationKey, &r.DeclarationKey, &r.Version, &createdAt, &updatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.InternalError("failed to read saga", err)
	}
	r.CreatedAt = createdAt.UTC()
	r.UpdatedAt = updatedAt.UTC()
	return storage.DecodeSaga(a.sealer, &r)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

type Factory struct{}

func (f *Factory) Create(cfg *appconfig.Config, sealer storage.Sealer) (storage.Storage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return NewAdapter(ctx, FromAppConfig(cfg), sealer)
}

func (f *Factory) GetType() string {
	return "postgres"
}

func init() {
	storage.Register("postgres", &Factory{})
}
