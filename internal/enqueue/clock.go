package enqueue

import (
	"database/sql"
	"time"
)

func nowUnixNano() int64 {
	return time.Now().UTC().UnixNano()
}

func nullStringFrom(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
