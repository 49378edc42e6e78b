package ops

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/romanctcroman-boop/bybit-strategy-tester-v2-sub007/internal/fabric/metrics"
)

// Collector bridges the fabric metric registry into a Prometheus registry so
// one scrape endpoint covers both worlds.
type Collector struct {
	registry  *metrics.Registry
	namespace string
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector wraps a fabric registry. The namespace prefixes every metric.
func NewCollector(registry *metrics.Registry, namespace string) *Collector {
	if namespace == "" {
		namespace = "strategy_tester"
	}
	return &Collector{registry: registry, namespace: namespace}
}

// Describe is intentionally empty: the metric set is dynamic, so the
// collector is unchecked.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {}

// Collect emits the latest value of every series as a const metric.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	kinds := make(map[string]metrics.Kind)
	labelKeys := make(map[string][]string)
	for _, def := range c.registry.Definitions() {
		kinds[def.Name] = def.Kind
		labelKeys[def.Name] = def.LabelKeys
	}

	for key, value := range c.registry.Snapshot() {
		name, labels := splitSeriesKey(key)
		keys := labelKeys[name]
		values := make([]string, len(keys))
		for i, k := range keys {
			values[i] = labels[k]
		}

		valueType := prometheus.GaugeValue
		if kinds[name] == metrics.KindCounter {
			valueType = prometheus.CounterValue
		}
		desc := prometheus.NewDesc(c.namespace+"_"+name, "", keys, nil)
		m, err := prometheus.NewConstMetric(desc, valueType, value, values...)
		if err != nil {
			continue
		}
		ch <- m
	}
}

// splitSeriesKey parses "name" or "name{k=v,k2=v2}" snapshot keys.
func splitSeriesKey(key string) (string, map[string]string) {
	open := strings.IndexByte(key, '{')
	if open < 0 {
		return key, nil
	}
	name := key[:open]
	body := strings.TrimSuffix(key[open+1:], "}")
	labels := make(map[string]string)
	for _, pair := range strings.Split(body, ",") {
		if k, v, ok := strings.Cut(pair, "="); ok {
			labels[k] = v
		}
	}
	return name, labels
}
