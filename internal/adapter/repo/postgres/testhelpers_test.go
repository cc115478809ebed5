package postgres_test

import (
	"context"
	"errors"
	"reflect"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/ai-video-orchestrator/internal/domain"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over a fixed list of per-row scan funcs.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool {
	if r.idx >= len(r.scans) {
		return false
	}
	r.idx++
	return true
}
func (r *rowsStub) Scan(dest ...any) error  { return r.scans[r.idx-1](dest...) }
func (r *rowsStub) Values() ([]any, error)  { return nil, nil }
func (r *rowsStub) RawValues() [][]byte     { return nil }
func (r *rowsStub) Conn() *pgx.Conn         { return nil }

// poolStub implements postgres.PgxPool for tests. Hooks receive the SQL so a
// test can branch on the statement being executed.
type poolStub struct {
	execFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args ...any) pgx.Row
	queryFn    func(sql string, args ...any) (pgx.Rows, error)
	beginFn    func() (pgx.Tx, error)
}

func (p *poolStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.execFn == nil {
		return pgconn.CommandTag{}, nil
	}
	return p.execFn(sql, args...)
}

func (p *poolStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if p.queryRowFn == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.queryRowFn(sql, args...)
}

func (p *poolStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.queryFn == nil {
		return nil, errors.New("no rows configured")
	}
	return p.queryFn(sql, args...)
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	if p.beginFn == nil {
		return nil, errors.New("no tx configured")
	}
	return p.beginFn()
}

// txStub implements pgx.Tx with the same hook style as poolStub.
type txStub struct {
	execFn     func(sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(sql string, args ...any) pgx.Row
	committed  bool
	rolledBack bool
}

func (t *txStub) Begin(_ context.Context) (pgx.Tx, error) { return t, nil }
func (t *txStub) Commit(_ context.Context) error          { t.committed = true; return nil }
func (t *txStub) Rollback(_ context.Context) error        { t.rolledBack = true; return nil }
func (t *txStub) CopyFrom(_ context.Context, _ pgx.Identifier, _ []string, _ pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *txStub) SendBatch(_ context.Context, _ *pgx.Batch) pgx.BatchResults { return nil }
func (t *txStub) LargeObjects() pgx.LargeObjects                             { return pgx.LargeObjects{} }
func (t *txStub) Prepare(_ context.Context, _, _ string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn == nil {
		return pgconn.CommandTag{}, nil
	}
	return t.execFn(sql, args...)
}
func (t *txStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *txStub) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if t.queryRowFn == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return t.queryRowFn(sql, args...)
}
func (t *txStub) Conn() *pgx.Conn { return nil }

// assign copies a value into a scan destination pointer.
func assign(dest, v any) {
	dv := reflect.ValueOf(dest).Elem()
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		dv.Set(reflect.Zero(dv.Type()))
		return
	}
	dv.Set(rv.Convert(dv.Type()))
}

// jobScanFunc yields a scan func producing the job's columns in the order the
// repository selects them.
func jobScanFunc(j domain.Job) func(dest ...any) error {
	return func(dest ...any) error {
		vals := []any{
			j.ID, j.RetryRootID, j.RetryOfID, j.RetryIndex,
			j.ProfileID, j.GroupTitle, j.DispatchMode, j.DispatchScore, j.DispatchReason,
			j.Prompt, j.ImageURL, j.Duration, j.AspectRatio,
			j.Status, j.Phase, j.ProgressPct, j.Error,
			j.TaskID, j.GenerationID, j.PublishURL,
			j.WatermarkURL, j.WatermarkStatus, j.WatermarkAttempts, j.WatermarkError,
			j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt,
		}
		for i := range dest {
			assign(dest[i], vals[i])
		}
		return nil
	}
}
