// Copyright 2021 FerretDB Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides [engine.Engine] implementation for SQLite.
//
// Every physical connection is a separate SQLite connection to the same database file.
// SQLite serializes writers itself; busy and locked conditions are reported as retryable errors.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/vulgatecnn/afa100-sub008/internal/engine"
	"github.com/vulgatecnn/afa100-sub008/internal/util/fsql"
	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
)

// driverName is the name of database/sql driver registered by modernc.org/sqlite.
const driverName = "sqlite"

// defaultPragmas are applied to every connection unless the URI sets them.
var defaultPragmas = []struct {
	name  string
	value string
}{
	{"busy_timeout", "10000"},
	{"journal_mode", "wal"},
	{"foreign_keys", "1"},
}

// Engine opens SQLite connections to a single database file.
type Engine struct {
	uri string
	l   *zap.Logger
	n   atomic.Int64
}

// New creates a new engine for the database specified by SQLite URI.
//
// The database file is created on the first connection if it does not exist,
// but its directory must exist.
func New(u string, l *zap.Logger) (*Engine, error) {
	uri, err := parseURI(u)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SQLite URI %q: %s", u, err)
	}

	return &Engine{
		uri: uri.String(),
		l:   l,
	}, nil
}

// URI returns the SQLite URI used for connections, including added pragmas.
func (e *Engine) URI() string {
	return e.uri
}

// Open implements [engine.Engine].
func (e *Engine) Open(ctx context.Context) (engine.Conn, error) {
	name := fmt.Sprintf("conn-%d", e.n.Add(1))

	c, err := fsql.OpenConn(ctx, driverName, e.uri, name, e.l)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	e.l.Debug("Connection opened.", zap.String("name", name))

	return &conn{c: c}, nil
}

// parseURI checks given SQLite URI and returns a parsed form with default pragmas added.
//
// The URI must point to a database file, not a directory.
func parseURI(u string) (*url.URL, error) {
	uri, err := url.Parse(u)
	if err != nil {
		return nil, err
	}

	if uri.Scheme != "file" {
		return nil, fmt.Errorf(`expected "file:" schema, got %q`, uri.Scheme)
	}

	if uri.User != nil {
		return nil, fmt.Errorf(`expected empty user info, got %q`, uri.User)
	}

	if uri.Host != "" {
		return nil, fmt.Errorf(`expected empty host, got %q`, uri.Host)
	}

	if uri.Path == "" && uri.Opaque != "" {
		uri.Path = uri.Opaque
	}

	if uri.Path == "" {
		return nil, errors.New("expected database file path")
	}

	if strings.HasSuffix(uri.Path, "/") {
		return nil, fmt.Errorf(`expected database file path, got directory %q`, uri.Path)
	}

	uri.OmitHost = true
	uri.Opaque = uri.Path

	q := uri.Query()
	userPragmas := q["_pragma"]

	var pragmas []string

	for _, p := range defaultPragmas {
		if p.name == "journal_mode" && q.Get("mode") == "memory" {
			continue
		}

		var set bool

		for _, up := range userPragmas {
			if strings.HasPrefix(strings.ToLower(up), p.name+"(") || strings.HasPrefix(strings.ToLower(up), p.name+"=") {
				set = true
				break
			}
		}

		if !set {
			pragmas = append(pragmas, p.name+"("+p.value+")")
		}
	}

	q["_pragma"] = append(pragmas, userPragmas...)
	uri.RawQuery = q.Encode()

	return uri, nil
}

// conn implements [engine.Conn] on top of [fsql.Conn].
type conn struct {
	c *fsql.Conn
}

// Run implements [engine.Conn].
func (c *conn) Run(ctx context.Context, query string, args ...any) (engine.Result, error) {
	res, err := c.c.ExecContext(ctx, query, args...)
	if err != nil {
		return engine.Result{}, wrapErr(query, err)
	}

	var r engine.Result

	if r.LastInsertID, err = res.LastInsertId(); err != nil {
		return engine.Result{}, wrapErr(query, err)
	}

	if r.RowsChanged, err = res.RowsAffected(); err != nil {
		return engine.Result{}, wrapErr(query, err)
	}

	return r, nil
}

// Get implements [engine.Conn].
func (c *conn) Get(ctx context.Context, query string, args ...any) (engine.Row, error) {
	rows, err := c.All(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0], nil
}

// All implements [engine.Conn].
func (c *conn) All(ctx context.Context, query string, args ...any) ([]engine.Row, error) {
	rows, err := c.c.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(query, err)
	}

	maps, err := fsql.ScanMaps(rows)
	if err != nil {
		return nil, wrapErr(query, err)
	}

	res := make([]engine.Row, len(maps))
	for i, m := range maps {
		res[i] = m
	}

	return res, nil
}

// Close implements [engine.Conn].
func (c *conn) Close() error {
	return c.c.Close()
}

// wrapErr wraps driver error into [*engine.ExecutionError].
func wrapErr(query string, err error) error {
	return &engine.ExecutionError{
		Query:     query,
		Retryable: isBusy(err),
		Err:       err,
	}
}

// isBusy returns true if err is SQLite's busy or locked error, including extended codes.
func isBusy(err error) bool {
	var e *sqlite.Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Code() & 0xff {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// check interfaces
var (
	_ engine.Engine = (*Engine)(nil)
	_ engine.Conn   = (*conn)(nil)
)
