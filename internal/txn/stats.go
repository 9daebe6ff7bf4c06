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

import "time"

// Stats represents transaction statistics.
type Stats struct {
	ID    string
	State State

	// StartTime is set by Begin.
	StartTime time.Time

	// EndTime and Duration are zero until the transaction is terminal.
	EndTime  time.Time
	Duration time.Duration

	OperationCount int

	// SavepointCount is the number of currently open savepoints created by Executor.
	SavepointCount int

	IsNested       bool
	RollbackReason string
}
