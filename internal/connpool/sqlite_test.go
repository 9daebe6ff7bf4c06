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

package connpool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulgatecnn/afa100-sub008/internal/engine"
	"github.com/vulgatecnn/afa100-sub008/internal/engine/sqlite"
	"github.com/vulgatecnn/afa100-sub008/internal/util/testutil"
)

func TestSQLite(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)

	e, err := sqlite.New(testutil.DatabaseURI(t), l)
	require.NoError(t, err)

	p, err := New(e, &Config{Min: 2, Max: 4}, l)
	require.NoError(t, err)

	t.Cleanup(p.Destroy)

	require.NoError(t, p.Initialize(ctx))
	assert.Equal(t, 2, p.Stats().TotalConnections)

	writer, err := p.Acquire(ctx)
	require.NoError(t, err)

	_, err = writer.Conn().Run(ctx, "CREATE TABLE visitors (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	_, err = writer.Conn().Run(ctx, "INSERT INTO visitors (name) VALUES (?)", "alice")
	require.NoError(t, err)

	reader, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, writer.ID(), reader.ID())

	row, err := reader.Conn().Get(ctx, "SELECT name FROM visitors WHERE id = 1")
	require.NoError(t, err)
	assert.Equal(t, engine.Row{"name": "alice"}, row)

	p.Release(writer)
	p.Release(reader)

	report, err := p.HealthCheck(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Connections, 2)
}

func TestSQLiteUnreachable(t *testing.T) {
	t.Parallel()

	ctx := testutil.Ctx(t)
	l := testutil.Logger(t)

	uri := "file:" + filepath.ToSlash(filepath.Join(t.TempDir(), "missing", "accessdb.sqlite"))

	e, err := sqlite.New(uri, l)
	require.NoError(t, err)

	p, err := New(e, &Config{Min: 1, Max: 1}, l)
	require.NoError(t, err)

	t.Cleanup(p.Destroy)

	err = p.Initialize(ctx)
	require.ErrorIs(t, err, ErrCreateFailure)
	assert.Equal(t, int64(1), p.Stats().TotalErrors)
}
