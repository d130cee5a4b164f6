// Copyright 2025 Tom Barlow
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

package proc

import (
	"errors"
	"fmt"
)

// ErrHandleClosed is returned by Send after the handle is closed or its
// process has exited.
var ErrHandleClosed = errors.New("proc: handle closed")

// ErrIncompleteFrame signals that the decode buffer does not yet hold a
// complete frame.
var ErrIncompleteFrame = errors.New("proc: incomplete frame")

// CommandError reports an invalid launch command. It is raised before
// anything is spawned.
type CommandError struct {
	Command string
	Reason  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("invalid launch command %q: %s", e.Command, e.Reason)
}

// SpawnError reports a failure to start the connector process.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// InitError reports a failed handshake with a spawned connector. The
// process has already been torn down when this error surfaces.
type InitError struct {
	Connector string
	Err       error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("connector %s failed to initialize: %v", e.Connector, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// ExitError reports that the connector process terminated.
type ExitError struct {
	PID int
	Err error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connector process %d exited: %v", e.PID, e.Err)
	}
	return fmt.Sprintf("connector process %d exited", e.PID)
}

func (e *ExitError) Unwrap() error { return e.Err }
