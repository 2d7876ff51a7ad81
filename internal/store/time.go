package store

import "time"

// nowUnixNano is the store's sole source of wall-clock time, isolated to
// one function so tests can't accidentally depend on real time sneaking in
// through a dozen call sites.
func nowUnixNano() int64 {
	return time.Now().UnixNano()
}
