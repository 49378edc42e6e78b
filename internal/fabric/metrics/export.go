package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ExportText renders every series in the Prometheus text exposition format.
// Counters and gauges emit one sample per label tuple; histograms emit
// cumulative le buckets plus _sum and _count.
func (r *Registry) ExportText() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		def := r.defs[name]
		full := r.cfg.Namespace + "_" + name

		promKind := string(def.Kind)
		if def.Kind == KindSummary {
			promKind = "summary"
		}
		fmt.Fprintf(&b, "# HELP %s %s\n", full, def.Description)
		fmt.Fprintf(&b, "# TYPE %s %s\n", full, promKind)

		keys := make([]string, 0, len(r.series[name]))
		for k := range r.series[name] {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			s := r.series[name][key]
			labels := renderLabels(def.LabelKeys, s.labels)
			switch def.Kind {
			case KindHistogram:
				cumulative := int64(0)
				for i, ub := range def.Buckets {
					cumulative += s.bucketCounts[i]
					fmt.Fprintf(&b, "%s_bucket%s %d\n", full, mergeLabel(labels, "le", formatFloat(ub)), cumulative)
				}
				fmt.Fprintf(&b, "%s_bucket%s %d\n", full, mergeLabel(labels, "le", "+Inf"), s.count)
				fmt.Fprintf(&b, "%s_sum%s %s\n", full, labels, formatFloat(s.sum))
				fmt.Fprintf(&b, "%s_count%s %d\n", full, labels, s.count)
			default:
				fmt.Fprintf(&b, "%s%s %s\n", full, labels, formatFloat(s.lastValue))
			}
		}
	}
	return b.String()
}

func renderLabels(schema []string, labels map[string]string) string {
	if len(schema) == 0 {
		return ""
	}
	parts := make([]string, 0, len(schema))
	for _, k := range schema {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func mergeLabel(existing, key, value string) string {
	pair := fmt.Sprintf("%s=%q", key, value)
	if existing == "" {
		return "{" + pair + "}"
	}
	return strings.TrimSuffix(existing, "}") + "," + pair + "}"
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
