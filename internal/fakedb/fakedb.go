// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb holds types to fake an in-memory DB.
//
// Queries run under Run are answered, in order, with the provided rows.
// Statements executed under Run are recorded.
package fakedb // import "github.com/go-lpc/wsnlat/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
)

var state struct {
	mu    sync.Mutex
	rows  []Rows
	execs []Exec
}

// Exec is a statement executed against the fake DB.
type Exec struct {
	Query string
	Args  []driver.Value
}

// Run runs f, answering its queries with rows.
// Run returns the error of f and the statements f executed.
func Run(ctx context.Context, f func(ctx context.Context) error, rows ...Rows) ([]Exec, error) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.rows = rows
	state.execs = nil

	err := f(ctx)
	return state.execs, err
}

func init() {
	sql.Register("fakedb", &Driver{})
}

type Driver struct{}

// Open returns a new connection to the database.
func (drv *Driver) Open(name string) (driver.Conn, error) {
	return &Conn{}, nil
}

type Conn struct{}

// Prepare is not supported: queries go through QueryContext and ExecContext.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("fakedb: prepared statements not supported")
}

func (c *Conn) Close() error {
	return nil
}

func (c *Conn) Begin() (driver.Tx, error) {
	return nil, errors.New("fakedb: transactions not supported")
}

// QueryContext answers the query with the next rows given to Run.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if len(state.rows) == 0 {
		return &Rows{}, nil
	}
	rows := state.rows[0]
	state.rows = state.rows[1:]
	return &rows, nil
}

// ExecContext records the statement.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	exec := Exec{Query: query, Args: make([]driver.Value, len(args))}
	for i, arg := range args {
		exec.Args[i] = arg.Value
	}
	state.execs = append(state.execs, exec)
	return driver.RowsAffected(1), nil
}

// Rows are the rows of a query result.
type Rows struct {
	Names  []string
	Values [][]driver.Value
}

// Columns returns the names of the columns.
func (rows *Rows) Columns() []string {
	return rows.Names
}

// Close closes the rows iterator.
func (rows *Rows) Close() error {
	return nil
}

// Next populates dest with the next row, or returns io.EOF.
func (rows *Rows) Next(dest []driver.Value) error {
	if len(rows.Values) == 0 {
		return io.EOF
	}
	copy(dest, rows.Values[0])
	rows.Values = rows.Values[1:]
	return nil
}

var (
	_ driver.Driver         = (*Driver)(nil)
	_ driver.Conn           = (*Conn)(nil)
	_ driver.QueryerContext = (*Conn)(nil)
	_ driver.ExecerContext  = (*Conn)(nil)
	_ driver.Rows           = (*Rows)(nil)
)
