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

import "fmt"

// State represents transaction state.
type State int

// Transaction states.
//
// Committed, RolledBack and Failed are terminal.
const (
	Pending State = iota
	Active
	Committed
	RolledBack
	Failed
)

// String returns state name.
func (s State) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Active:
		return "ACTIVE"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal returns true for final states.
func (s State) Terminal() bool {
	return s == Committed || s == RolledBack || s == Failed
}

// check interfaces
var (
	_ fmt.Stringer = State(0)
)
