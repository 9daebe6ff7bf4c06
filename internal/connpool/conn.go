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
	"time"

	"github.com/vulgatecnn/afa100-sub008/internal/engine"
	"github.com/vulgatecnn/afa100-sub008/internal/util/resource"
)

// PooledConn is a physical engine connection tracked by the pool.
//
// It is either idle in the pool or leased to exactly one caller.
type PooledConn struct {
	p         *Pool
	id        string
	conn      engine.Conn
	createdAt time.Time
	token     *resource.Token

	// protected by p.mu
	lastUsedAt time.Time
	inUse      bool
	invalid    bool
}

// ID returns unique connection ID.
func (pc *PooledConn) ID() string {
	return pc.id
}

// Conn returns the underlying engine connection.
//
// It must be used only by the leaseholder.
func (pc *PooledConn) Conn() engine.Conn {
	return pc.conn
}

// CreatedAt returns connection creation time.
func (pc *PooledConn) CreatedAt() time.Time {
	return pc.createdAt
}

// LastUsedAt returns the time of the last lease or release.
func (pc *PooledConn) LastUsedAt() time.Time {
	pc.p.mu.Lock()
	defer pc.p.mu.Unlock()

	return pc.lastUsedAt
}

// InUse returns true if the connection is leased.
func (pc *PooledConn) InUse() bool {
	pc.p.mu.Lock()
	defer pc.p.mu.Unlock()

	return pc.inUse
}

// IsValid returns false if the connection failed a health check.
//
// Invalid connections are destroyed on release.
func (pc *PooledConn) IsValid() bool {
	pc.p.mu.Lock()
	defer pc.p.mu.Unlock()

	return !pc.invalid
}
