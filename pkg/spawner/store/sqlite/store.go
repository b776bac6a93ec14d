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
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	klog "k8s.io/klog/v2"

	"github.com/swanhub/sessiond/pkg/spawner/store"
)

const recordTable = "SessionRecord"

type SQLiteStoreOptions struct {
	ConnUrl string
}

var _ store.RecordStore = &SessionRecordStore{}

// SessionRecordStore keeps one json row per session. Every operation is a
// single auto-committed statement, the record stream has one writer.
type SessionRecordStore struct {
	db *sql.DB
}

func NewSessionRecordStore(options *SQLiteStoreOptions) (*SessionRecordStore, error) {
	db, err := sql.Open("sqlite3", options.ConnUrl)
	if err != nil {
		klog.ErrorS(err, "connect sqlite failed", "url", options.ConnUrl)
		return nil, err
	}

	sqlStmt := fmt.Sprintf("create table if not exists %s (identifier varchar(36) primary key, content text)", recordTable)
	if _, err := db.Exec(sqlStmt); err != nil {
		klog.ErrorS(err, "failed to create table", "table", recordTable)
		db.Close()
		return nil, err
	}
	return &SessionRecordStore{db: db}, nil
}

func (s *SessionRecordStore) PutRecord(record *store.SessionRecord) error {
	if record == nil {
		return fmt.Errorf("nil session record is passed")
	}
	content, err := json.Marshal(record)
	if err != nil {
		return err
	}

	sqlStmt := fmt.Sprintf("insert or replace into %s(identifier, content) values(?, ?)", recordTable)
	_, err = s.db.Exec(sqlStmt, record.Identifier, string(content))
	return err
}

func (s *SessionRecordStore) GetRecord(identifier string) (*store.SessionRecord, error) {
	sqlStmt := fmt.Sprintf("select content from %s where identifier = ?", recordTable)

	var content string
	if err := s.db.QueryRow(sqlStmt, identifier).Scan(&content); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.RecordNotFound
		}
		return nil, err
	}

	record := store.SessionRecord{}
	if err := json.Unmarshal([]byte(content), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// DelRecord removes a session's record, deleting an absent record is not an
// error.
func (s *SessionRecordStore) DelRecord(identifier string) error {
	sqlStmt := fmt.Sprintf("delete from %s where identifier = ?", recordTable)
	_, err := s.db.Exec(sqlStmt, identifier)
	return err
}

func (s *SessionRecordStore) ListRecords() ([]*store.SessionRecord, error) {
	sqlStmt := fmt.Sprintf("select content from %s", recordTable)
	rows, err := s.db.Query(sqlStmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*store.SessionRecord{}
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, err
		}
		record := store.SessionRecord{}
		if err := json.Unmarshal([]byte(content), &record); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}

func (s *SessionRecordStore) Close() error {
	return s.db.Close()
}
