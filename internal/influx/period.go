package influx

import (
	"github.com/cam3ron2/jobmetrics/internal/apperr"
)

// DefaultPeriod is used when a request names no period.
const DefaultPeriod = "1h"

// Period is a supported look-back window and its aggregation bucket.
type Period struct {
	Range  string
	Bucket string
}

var periodBuckets = map[string]string{
	"1h":  "10s",
	"6h":  "30s",
	"24h": "120s",
}

// ParsePeriod returns the period for raw, or an InvalidPeriod error.
func ParsePeriod(raw string) (Period, error) {
	bucket, ok := periodBuckets[raw]
	if !ok {
		return Period{}, apperr.InvalidPeriod(raw)
	}
	return Period{Range: raw, Bucket: bucket}, nil
}
