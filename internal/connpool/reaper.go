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
)

// runReaper destroys idle connections periodically until the pool is destroyed.
func (p *Pool) runReaper() {
	defer close(p.reaperDone)

	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.reap(time.Now())
		}
	}
}

// reap destroys connections idle for longer than [Config.IdleTimeout],
// oldest first, keeping at least [Config.Min] connections.
//
// It returns the number of destroyed connections.
func (p *Pool) reap(now time.Time) int {
	p.mu.Lock()

	var victims []*PooledConn

	keep := make([]*PooledConn, 0, len(p.idle))

	for _, pc := range p.idle {
		if len(p.conns) > p.config.Min && now.Sub(pc.lastUsedAt) > p.config.IdleTimeout {
			p.removeLocked(pc)
			victims = append(victims, pc)

			continue
		}

		keep = append(keep, pc)
	}

	p.idle = keep

	p.mu.Unlock()

	for _, pc := range victims {
		p.closeConn(pc)
	}

	return len(victims)
}
