package fat

import "time"

var (
	// Epoch is the earliest timestamp a directory entry can hold
	Epoch    = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxStamp = time.Date(2107, time.December, 31, 23, 59, 58, 0, time.UTC)
)

// clampTime forces t into the range a directory entry can represent. Times are
// stored as wall clock in t's location.
func clampTime(t time.Time) time.Time {
	if t.IsZero() {
		return Epoch
	}
	wall := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	switch {
	case wall.Before(Epoch):
		return Epoch
	case wall.After(maxStamp):
		return maxStamp
	}
	return wall
}

// fatDate encodes bits 0-4 day, 5-8 month, 9-15 years since 1980
func fatDate(t time.Time) uint16 {
	t = clampTime(t)
	return uint16(t.Year()-1980)<<9 |
		uint16(t.Month())<<5 |
		uint16(t.Day())
}

// fatTime encodes bits 0-4 seconds/2, 5-10 minutes, 11-15 hours
func fatTime(t time.Time) uint16 {
	t = clampTime(t)
	return uint16(t.Hour())<<11 |
		uint16(t.Minute())<<5 |
		uint16(t.Second()/2)
}

// fatTimeTenth is the creation time refinement in units of 10ms, 0-199
func fatTimeTenth(t time.Time) uint8 {
	t = clampTime(t)
	return uint8((t.Second()%2)*100 + t.Nanosecond()/10_000_000)
}

// parseDateTime decodes a date and time pair. Invalid dates decode to the zero time.
func parseDateTime(date, tm uint16) time.Time {
	day := int(date & 0x1F)
	month := int(date >> 5 & 0x0F)
	year := 1980 + int(date>>9)
	if day == 0 || month == 0 || month > 12 {
		return time.Time{}
	}
	hour := int(tm >> 11)
	minute := int(tm >> 5 & 0x3F)
	sec := int(tm&0x1F) * 2
	return time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
}
