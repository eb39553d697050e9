package err_utils

import (
	"github.com/siddontang/go-log/log"
)

// Panic on err and return just v
func Unwrap[T any](v T, err error) T {
	Must(err)

	return v
}

// Panic on err, logging msgs before it. For tests and fixtures only,
// replication code returns its errors.
func Must(err error, msgs ...interface{}) {
	if err != nil {
		log.Panicln(append(msgs, err)...)
	}
}
