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

package sqlite

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/swanhub/sessiond/pkg/spawner/store"
	"github.com/swanhub/sessiond/pkg/spawner/types"
)

func newTestStore(t *testing.T) *SessionRecordStore {
	recordStore, err := NewSessionRecordStore(&SQLiteStoreOptions{
		ConnUrl: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("NewSessionRecordStore() error = %v", err)
	}
	return recordStore
}

func NewATestRecord(id string) *store.SessionRecord {
	return &store.SessionRecord{
		Identifier: id,
		Username:   "alice",
		Cluster:    "analytix",
		State:      types.SessionStateStarting,
		UpdatedAt:  1700000000,
	}
}

func TestSessionRecordStorePutGet(t *testing.T) {
	recordStore := newTestStore(t)

	record := NewATestRecord("session-1")
	if err := recordStore.PutRecord(record); err != nil {
		t.Errorf("PutRecord() error = %v", err)
	}

	got, err := recordStore.GetRecord("session-1")
	if err != nil {
		t.Errorf("GetRecord() error = %v", err)
	}
	if !reflect.DeepEqual(got, record) {
		t.Errorf("GetRecord() = %v, want %v", got, record)
	}
}

func TestSessionRecordStoreUpdateState(t *testing.T) {
	recordStore := newTestStore(t)

	record := NewATestRecord("session-2")
	if err := recordStore.PutRecord(record); err != nil {
		t.Errorf("PutRecord() error = %v", err)
	}

	record.State = types.SessionStateFailed
	record.FailureKind = "PortAllocationError"
	if err := recordStore.PutRecord(record); err != nil {
		t.Errorf("PutRecord() error = %v", err)
	}

	got, err := recordStore.GetRecord("session-2")
	if err != nil {
		t.Errorf("GetRecord() error = %v", err)
	}
	if got.State != types.SessionStateFailed {
		t.Errorf("GetRecord() state = %v, want %v", got.State, types.SessionStateFailed)
	}
	if got.FailureKind != "PortAllocationError" {
		t.Errorf("GetRecord() failureKind = %v, want PortAllocationError", got.FailureKind)
	}
}

func TestSessionRecordStoreGetMissing(t *testing.T) {
	recordStore := newTestStore(t)

	_, err := recordStore.GetRecord("no-such-session")
	if err != store.RecordNotFound {
		t.Errorf("GetRecord() error = %v, want RecordNotFound", err)
	}
}

func TestSessionRecordStoreDelete(t *testing.T) {
	recordStore := newTestStore(t)

	record := NewATestRecord("session-3")
	if err := recordStore.PutRecord(record); err != nil {
		t.Errorf("PutRecord() error = %v", err)
	}
	if err := recordStore.DelRecord("session-3"); err != nil {
		t.Errorf("DelRecord() error = %v", err)
	}
	if _, err := recordStore.GetRecord("session-3"); err != store.RecordNotFound {
		t.Errorf("GetRecord() after delete error = %v, want RecordNotFound", err)
	}

	// deleting an already removed record stays quiet
	if err := recordStore.DelRecord("session-3"); err != nil {
		t.Errorf("DelRecord() second call error = %v", err)
	}
}

func TestSessionRecordStoreList(t *testing.T) {
	recordStore := newTestStore(t)

	for _, id := range []string{"session-4", "session-5"} {
		if err := recordStore.PutRecord(NewATestRecord(id)); err != nil {
			t.Errorf("PutRecord() error = %v", err)
		}
	}

	records, err := recordStore.ListRecords()
	if err != nil {
		t.Errorf("ListRecords() error = %v", err)
	}
	if len(records) != 2 {
		t.Errorf("ListRecords() returned %d records, want 2", len(records))
	}
}
