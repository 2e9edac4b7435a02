package postgres

import (
	"database/sql"
	"encoding/json"
	"time"
)

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	value := s.String
	return &value
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func jsonBytes(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
