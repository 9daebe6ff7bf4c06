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

// Package fsql provides [database/sql] utilities.
package fsql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
	"github.com/vulgatecnn/afa100-sub008/internal/util/observability"
	"github.com/vulgatecnn/afa100-sub008/internal/util/resource"
)

// Conn wraps a single pinned [*database/sql.Conn] with logging and resource tracking.
//
// Each Conn owns a dedicated [*database/sql.DB] limited to one open connection,
// so database/sql never opens, reuses, or closes physical connections behind our back.
type Conn struct {
	sqlDB   *sql.DB
	sqlConn *sql.Conn
	l       *zap.Logger
	token   *resource.Token
}

// OpenConn opens a new physical connection using the given driver and data source name.
//
// Name is used for logger naming.
// Logger (that will be named) is used for query logging.
func OpenConn(ctx context.Context, driverName, dsn, name string, l *zap.Logger) (*Conn, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	sqlConn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, lazyerrors.Error(err)
	}

	if err = sqlConn.PingContext(ctx); err != nil {
		_ = sqlConn.Close()
		_ = db.Close()

		return nil, lazyerrors.Error(err)
	}

	res := &Conn{
		sqlDB:   db,
		sqlConn: sqlConn,
		l:       l.Named(name),
		token:   resource.NewToken(),
	}

	resource.Track(res, res.token)

	return res, nil
}

// Close closes the connection and its database handle.
func (c *Conn) Close() error {
	resource.Untrack(c, c.token)

	return errors.Join(c.sqlConn.Close(), c.sqlDB.Close())
}

// QueryContext calls [*sql.Conn.QueryContext].
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()

	fields := []any{zap.Any("args", args)}
	c.l.Sugar().With(fields...).Debugf(">>> %s", query)

	rows, err := c.sqlConn.QueryContext(ctx, query, args...)

	fields = append(fields, zap.Duration("time", time.Since(start)), zap.Error(err))
	c.l.Sugar().With(fields...).Debugf("<<< %s", query)

	return rows, err
}

// ExecContext calls [*sql.Conn.ExecContext].
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer observability.FuncCall(ctx)()

	start := time.Now()

	fields := []any{zap.Any("args", args)}
	c.l.Sugar().With(fields...).Debugf(">>> %s", query)

	res, err := c.sqlConn.ExecContext(ctx, query, args...)

	// to differentiate between 0 and nil
	var ra *int64

	if res != nil {
		rav, _ := res.RowsAffected()
		ra = &rav
	}

	fields = append(fields, zap.Int64p("rows", ra), zap.Duration("time", time.Since(start)), zap.Error(err))
	c.l.Sugar().With(fields...).Debugf("<<< %s", query)

	return res, err
}

// ScanMaps reads all remaining rows into maps keyed by column name and closes rows.
func ScanMaps(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, lazyerrors.Error(err)
	}

	var res []map[string]any

	for rows.Next() {
		values := make([]any, len(cols))
		dest := make([]any, len(cols))

		for i := range values {
			dest[i] = &values[i]
		}

		if err = rows.Scan(dest...); err != nil {
			return nil, lazyerrors.Error(err)
		}

		m := make(map[string]any, len(cols))
		for i, col := range cols {
			m[col] = values[i]
		}

		res = append(res, m)
	}

	if err = rows.Err(); err != nil {
		return nil, lazyerrors.Error(err)
	}

	return res, nil
}
