package utils

import "time"

// Now returns current time (useful for mocking in tests)
var Now = time.Now

// NowMillis is the wire timestamp: milliseconds since the Unix epoch.
func NowMillis() int64 {
	return Now().UnixMilli()
}
