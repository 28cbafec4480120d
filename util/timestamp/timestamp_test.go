package timestamp_test

import (
	"testing"
	"time"

	"github.com/reductos/espdisk/util/timestamp"
)

func TestSourceDateEpoch(t *testing.T) {
	for _, tt := range []struct {
		name     string
		value    string
		expected time.Time
		ok       bool
		err      bool
	}{
		{name: "unset"},
		{name: "set", value: "1609459200", expected: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), ok: true},
		{name: "invalid", value: "yesterday", err: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(timestamp.SourceDateEpochVar, tt.value)

			got, ok, err := timestamp.SourceDateEpoch()
			if (err != nil) != tt.err {
				t.Fatalf("error %v, expected error %v", err, tt.err)
			}
			if ok != tt.ok || !got.Equal(tt.expected) {
				t.Errorf("SourceDateEpoch() = %v, %v, want %v, %v", got, ok, tt.expected, tt.ok)
			}
		})
	}
}
