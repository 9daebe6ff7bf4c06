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

package txn

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vulgatecnn/afa100-sub008/internal/connpool"
	"github.com/vulgatecnn/afa100-sub008/internal/engine"
	"github.com/vulgatecnn/afa100-sub008/internal/util/ctxutil"
	"github.com/vulgatecnn/afa100-sub008/internal/util/lazyerrors"
	"github.com/vulgatecnn/afa100-sub008/internal/util/observability"
)

// retryDelay is multiplied by the attempt number between retries.
const retryDelay = 50 * time.Millisecond

// Leaser leases pool connections.
//
// It is implemented by [*connpool.Pool].
type Leaser interface {
	Acquire(ctx context.Context) (*connpool.PooledConn, error)
	Release(pc *connpool.PooledConn)
}

// InTransaction acquires a connection, runs f in a top-level transaction, and releases the connection.
//
// If f returns nil, the transaction is committed; otherwise, or if f panics, it is rolled back.
// If [Options.RetryOnDeadlock] is set, the whole unit is retried up to [Options.MaxRetries] times
// when it fails because the database is busy or locked.
func (r *Registry) InTransaction(ctx context.Context, l Leaser, opts *Options, f func(*Executor) error) error {
	defer observability.FuncCall(ctx)()

	o := opts.normalize()

	attempts := 1
	if o.RetryOnDeadlock && o.MaxRetries > 0 {
		attempts += o.MaxRetries
	}

	var err error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			r.l.Debug("Retrying transaction.", zap.Int("attempt", i+1), zap.Error(err))

			ctxutil.Sleep(ctx, time.Duration(i)*retryDelay)

			if ctx.Err() != nil {
				return lazyerrors.Error(err)
			}
		}

		if err = r.inTransaction(ctx, l, &o, f); err == nil || !engine.IsRetryable(err) {
			return err
		}
	}

	return err
}

// inTransaction runs a single attempt of [Registry.InTransaction].
func (r *Registry) inTransaction(ctx context.Context, l Leaser, opts *Options, f func(*Executor) error) (err error) {
	pc, err := l.Acquire(ctx)
	if err != nil {
		return lazyerrors.Error(err)
	}

	defer l.Release(pc)

	t := r.Create(pc.Conn(), opts, nil)

	if err = t.Begin(ctx); err != nil {
		return lazyerrors.Error(err)
	}

	var committed bool

	defer func() {
		if committed {
			return
		}

		reason := "transaction was not committed"
		if err != nil {
			reason = err.Error()
		}

		switch t.State() {
		case Active:
			_ = t.Rollback(ctx, reason)

		case Failed:
			// leave the connection without open transaction
			_, _ = pc.Conn().Run(context.WithoutCancel(ctx), "ROLLBACK")
		}

		if err == nil {
			err = lazyerrors.New("transaction was not committed")
		}
	}()

	if err = f(t.Executor()); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	if err = t.Commit(ctx); err != nil {
		err = lazyerrors.Error(err)
		return
	}

	committed = true

	return
}

// check interfaces
var (
	_ Leaser = (*connpool.Pool)(nil)
)
