package journal

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// scriptDriver is a database/sql driver that replays an expected sequence
// of operations and fails on anything else.
type scriptDriver struct {
	mu    sync.Mutex
	steps []step
	pos   int
	args  [][]driver.NamedValue
}

type stepKind string

const (
	kindExec     stepKind = "exec"
	kindQuery    stepKind = "query"
	kindBegin    stepKind = "begin"
	kindCommit   stepKind = "commit"
	kindRollback stepKind = "rollback"
)

type step struct {
	kind    stepKind
	query   string
	columns []string
	rows    [][]driver.Value
	err     error
}

func exec(query string) step { return step{kind: kindExec, query: query} }
func begin() step            { return step{kind: kindBegin} }
func commit() step           { return step{kind: kindCommit} }

func query(q string, columns []string, rows ...[]driver.Value) step {
	return step{kind: kindQuery, query: q, columns: columns, rows: rows}
}

var driverSeq atomic.Int32

func newScriptDB(t *testing.T, steps ...step) (*sql.DB, *scriptDriver) {
	t.Helper()
	drv := &scriptDriver{steps: steps}
	name := fmt.Sprintf("journal-script-%d", driverSeq.Add(1))
	sql.Register(name, drv)
	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open script db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		db.Close()
		drv.mu.Lock()
		defer drv.mu.Unlock()
		if drv.pos != len(drv.steps) {
			t.Errorf("only %d of %d scripted operations ran", drv.pos, len(drv.steps))
		}
	})
	return db, drv
}

func (d *scriptDriver) Open(string) (driver.Conn, error) { return &scriptConn{d: d}, nil }

func (d *scriptDriver) take(kind stepKind, q string, args []driver.NamedValue) (step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= len(d.steps) {
		return step{}, fmt.Errorf("unexpected %s %q", kind, q)
	}
	next := d.steps[d.pos]
	if next.kind != kind {
		return step{}, fmt.Errorf("expected %s, got %s", next.kind, kind)
	}
	if next.query != "" && squash(next.query) != squash(q) {
		return step{}, fmt.Errorf("unexpected query\nwant %q\ngot  %q", squash(next.query), squash(q))
	}
	d.pos++
	if args != nil {
		d.args = append(d.args, args)
	}
	return next, next.err
}

func squash(q string) string { return strings.Join(strings.Fields(q), " ") }

type scriptConn struct{ d *scriptDriver }

func (c *scriptConn) Prepare(q string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", q)
}
func (c *scriptConn) Close() error { return nil }
func (c *scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.d.take(kindBegin, "", nil); err != nil {
		return nil, err
	}
	return &scriptTx{d: c.d}, nil
}

func (c *scriptConn) ExecContext(_ context.Context, q string, args []driver.NamedValue) (driver.Result, error) {
	if _, err := c.d.take(kindExec, q, args); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (c *scriptConn) QueryContext(_ context.Context, q string, args []driver.NamedValue) (driver.Rows, error) {
	s, err := c.d.take(kindQuery, q, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: s.columns, values: s.rows}, nil
}

type scriptTx struct{ d *scriptDriver }

func (t *scriptTx) Commit() error {
	_, err := t.d.take(kindCommit, "", nil)
	return err
}

func (t *scriptTx) Rollback() error {
	_, err := t.d.take(kindRollback, "", nil)
	return err
}

type scriptRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}
