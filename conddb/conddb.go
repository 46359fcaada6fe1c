// Copyright 2021 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package conddb holds types to retrieve the wiring of a testbed from
// the conditions database, and to book-keep the runs made on it.
package conddb // import "github.com/go-lpc/wsnlat/conddb"

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-lpc/wsnlat/config"
	_ "github.com/go-sql-driver/mysql"
)

var (
	host = envOr("CONDDB_HOST", "localhost")
	usr  = envOr("CONDDB_USER", "username")
	pwd  = envOr("CONDDB_PASSWORD", "s3cr3t")

	drvName = "mysql"
)

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// DB exposes convenience methods to retrieve testbed wirings from the
// conditions database.
type DB struct {
	db   *sql.DB
	name string
}

// Open opens a connection to the conditions database dbname.
func Open(dbname string) (*DB, error) {
	db, err := sql.Open(drvName, dsn(dbname))
	if err != nil {
		return nil, fmt.Errorf("conddb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func dsn(db string) string {
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true", usr, pwd, host, db)
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("conddb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// LastTestbed returns the name of the most recently declared testbed.
func (db *DB) LastTestbed(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	name := ""
	rows, err := db.db.QueryContext(
		ctx,
		"SELECT name FROM testbeds ORDER BY datetime DESC LIMIT 1",
	)
	if err != nil {
		return name, fmt.Errorf("conddb: could not query last testbed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		err = rows.Scan(&name)
		if err != nil {
			return name, fmt.Errorf("conddb: could not get testbed name: %w", err)
		}
	}

	if err := rows.Err(); err != nil {
		return name, fmt.Errorf("conddb: could not scan db for last testbed: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return name, fmt.Errorf("conddb: context error while retrieving last testbed: %w", err)
	}

	if name == "" {
		return name, fmt.Errorf("conddb: no testbed declared")
	}

	return name, nil
}

// Testbed returns the experiment configuration cfg with the wiring of
// the named testbed: its nodes and its killswitch line.
func (db *DB) Testbed(ctx context.Context, name string, cfg config.Experiment) (config.Experiment, error) {
	ks, err := db.killswitch(ctx, name)
	if err != nil {
		return cfg, err
	}

	nodes, err := db.Nodes(ctx, name)
	if err != nil {
		return cfg, err
	}

	cfg.Killswitch = ks
	cfg.Nodes = nodes
	return cfg, nil
}

func (db *DB) killswitch(ctx context.Context, testbed string) (*int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT killswitch FROM testbeds WHERE name=?",
		testbed,
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not query testbed %q: %w", testbed, err)
	}
	defer rows.Close()

	var (
		ks    sql.NullInt64
		found = false
	)
	for rows.Next() {
		err = rows.Scan(&ks)
		if err != nil {
			return nil, fmt.Errorf("conddb: could not get killswitch of testbed %q: %w", testbed, err)
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conddb: could not scan db for testbed %q: %w", testbed, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("conddb: context error while retrieving testbed %q: %w", testbed, err)
	}

	if !found {
		return nil, fmt.Errorf("conddb: unknown testbed %q", testbed)
	}

	if !ks.Valid {
		return nil, nil
	}
	v := int(ks.Int64)
	return &v, nil
}

// Nodes returns the wiring of the nodes of a testbed, sorted by name.
func (db *DB) Nodes(ctx context.Context, testbed string) ([]config.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var nodes []config.Node
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT motes.name, motes.press, motes.mirror, motes.created, motes.rx FROM motes
JOIN testbeds ON testbeds.identifier=motes.testbed
WHERE testbeds.name=?
ORDER BY motes.name
`,
		testbed,
	)
	if err != nil {
		return nil, fmt.Errorf("conddb: could not run motes query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			node    config.Node
			created sql.NullInt64
			rx      string
		)
		err = rows.Scan(&node.Name, &node.Press, &node.Mirror, &created, &rx)
		if err != nil {
			return nil, fmt.Errorf("conddb: could not scan row %d for motes: %w", len(nodes), err)
		}
		if created.Valid {
			v := int(created.Int64)
			node.Created = &v
		}
		node.Rx, err = parseLines(rx)
		if err != nil {
			return nil, fmt.Errorf("conddb: could not parse rx lines of mote %q: %w", node.Name, err)
		}
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conddb: could not scan db for motes: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("conddb: context error while retrieving motes: %w", err)
	}

	return nodes, nil
}

func parseLines(txt string) ([]int, error) {
	var o []int
	for _, v := range strings.Split(txt, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		ch, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		o = append(o, ch)
	}
	return o, nil
}

// Run describes a run made on a testbed.
type Run struct {
	Testbed string
	Start   time.Time
	Stop    time.Time
	Trials  int // number of trials run
	Missed  int // number of missed trials
	File    string
}

// SaveRun books a run.
func (db *DB) SaveRun(ctx context.Context, run Run) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		`
INSERT INTO runs (testbed, start, stop, trials, missed, file)
SELECT identifier, ?, ?, ?, ?, ? FROM testbeds WHERE name=?
`,
		run.Start, run.Stop, run.Trials, run.Missed, run.File, run.Testbed,
	)
	if err != nil {
		return fmt.Errorf("conddb: could not save run for testbed %q: %w", run.Testbed, err)
	}

	return nil
}
