/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"errors"

	"github.com/swanhub/sessiond/pkg/spawner/types"
)

var RecordNotFound = errors.New("session record not found")

// SessionRecord is the durable trace of one session: its request, its state
// transitions and its final outcome. A restarted hub answers poll for
// sessions it did not launch from these records.
type SessionRecord struct {
	Identifier  string             `json:"identifier,omitempty"`
	Username    string             `json:"username,omitempty"`
	Cluster     string             `json:"cluster,omitempty"`
	State       types.SessionState `json:"state,omitempty"`
	FailureKind string             `json:"failureKind,omitempty"`
	ExitStatus  string             `json:"exitStatus,omitempty"`
	UpdatedAt   int64              `json:"updatedAt,omitempty"`
}

// RecordStore persists session records keyed by session identifier. Records
// have a single writer, the lifecycle controller, so implementations need no
// cross-writer coordination.
type RecordStore interface {
	PutRecord(record *SessionRecord) error
	GetRecord(identifier string) (*SessionRecord, error)
	DelRecord(identifier string) error
	ListRecords() ([]*SessionRecord, error)
}
