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

import "time"

// Stats represents pool statistics.
type Stats struct {
	TotalConnections  int
	ActiveConnections int
	IdleConnections   int
	PendingRequests   int

	TotalCreated   int64
	TotalDestroyed int64
	TotalAcquired  int64
	TotalReleased  int64
	TotalErrors    int64

	// AverageAcquireTime is the mean time between Acquire call and lease, including waiting.
	AverageAcquireTime time.Duration
}
