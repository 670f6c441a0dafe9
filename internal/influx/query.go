package influx

import (
	"fmt"
	"strings"
)

var (
	tagValueEscaper   = strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	identifierEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
)

// BuildQuery renders the InfluxQL statement selecting the per-node mean of
// every metric for one job over period.
func BuildQuery(cluster, jobID string, metrics []string, period Period) string {
	quoted := make([]string, 0, len(metrics))
	for _, metric := range metrics {
		quoted = append(quoted, `"`+identifierEscaper.Replace(metric)+`"`)
	}
	return fmt.Sprintf(
		"select mean(value) from %s where time > now() - %s and cluster = '%s' and job = 'job_%s' group by time(%s), node fill(0)",
		strings.Join(quoted, ", "),
		period.Range,
		tagValueEscaper.Replace(cluster),
		tagValueEscaper.Replace(jobID),
		period.Bucket,
	)
}
