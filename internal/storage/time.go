package storage

import "time"

// nowFunc is overridable in tests that need deterministic lock expiry.
var nowFunc = time.Now

func secondsToDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}
