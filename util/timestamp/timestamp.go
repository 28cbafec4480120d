// Package timestamp reads the build time requested by the environment
package timestamp

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SourceDateEpochVar is the reproducible-builds variable holding a Unix timestamp
const SourceDateEpochVar = "SOURCE_DATE_EPOCH"

// SourceDateEpoch returns the time set in SOURCE_DATE_EPOCH, in UTC. ok is
// false when the variable is unset or empty; a value that is not a Unix
// timestamp is an error.
func SourceDateEpoch() (t time.Time, ok bool, err error) {
	epoch := os.Getenv(SourceDateEpochVar)
	if epoch == "" {
		return time.Time{}, false, nil
	}
	secs, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s %q: %w", SourceDateEpochVar, epoch, err)
	}
	return time.Unix(secs, 0).UTC(), true, nil
}
