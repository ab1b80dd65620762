// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Metrics are buffered in memory and submitted on a ticker (default once per
// minute) and once more on Close, so long unnest jobs produce a time series
// rather than a single point at exit.
//
// Counters are submitted as COUNT series. Histograms are reduced to
// p50/p90/p95/p99/max/samples gauges per flush window.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"unnest/internal/metrics"
)

// ddNames maps metric names to Datadog names. Anything else is dropped.
var ddNames = map[string]string{
	metrics.RecordsTotal:        "unnest.records.total",
	metrics.RowsTotal:           "unnest.rows.total",
	metrics.StepTotal:           "unnest.step.total",
	metrics.StepDurationSeconds: "unnest.step.duration_seconds",
	metrics.ExportWarningsTotal: "unnest.export.warnings.total",
}

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Empty means "unnest".
	JobName string

	// Tags are extra Datadog tags such as "service:unnest".
	Tags []string

	// FlushEvery is the submit interval. <= 0 means 60s.
	FlushEvery time.Duration

	// test seams
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// seriesKey identifies one buffered series: a Datadog metric name plus its
// sorted label tags.
type seriesKey struct {
	metric string
	tags   string
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags  []string
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[seriesKey]float64
	samples  map[seriesKey][]float64
}

var _ metrics.Backend = (*Backend)(nil)

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a backend on the official client and starts its
// flush loop. Credentials and site come from DD_API_KEY / DD_SITE as read by
// the client; network errors only surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}
	job := opts.JobName
	if job == "" {
		job = "unnest"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[seriesKey]float64),
		samples:    make(map[seriesKey][]float64),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and submits whatever is still buffered. Calls
// after the first only repeat the final Flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend. Non-positive deltas and unknown
// names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	metric, ok := ddNames[name]
	if !ok || delta <= 0 {
		return
	}
	k := seriesKey{metric: metric, tags: labelTags(labels)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[k] += delta
}

// ObserveHistogram implements metrics.Backend. Negative values and unknown
// names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	metric, ok := ddNames[name]
	if !ok || value < 0 {
		return
	}
	k := seriesKey{metric: metric, tags: labelTags(labels)}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples[k] = append(b.samples[k], value)
}

type snapshot struct {
	counters map[seriesKey]float64
	samples  map[seriesKey][]float64
}

func (s snapshot) isEmpty() bool { return len(s.counters) == 0 && len(s.samples) == 0 }

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{counters: b.counters, samples: b.samples}
	b.counters = make(map[seriesKey]float64)
	b.samples = make(map[seriesKey][]float64)
	return s
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}
	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure so naming and tagging can be tested directly. Output is
// sorted by metric name, then tags.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.counters)+6*len(s.samples))

	for _, k := range sortedKeys(s.counters) {
		series = append(series, countSeries(k.metric, s.counters[k], b.tagsFor(k), nowUnix))
	}
	for _, k := range sortedKeys(s.samples) {
		addPercentiles(&series, k.metric, s.samples[k], b.tagsFor(k), nowUnix)
	}
	return series
}

func (b *Backend) tagsFor(k seriesKey) []string {
	if k.tags == "" {
		return withTags(b.baseTags)
	}
	return withTags(b.baseTags, strings.Split(k.tags, ",")...)
}

// addPercentiles appends percentile gauges for samples. It sorts a copy.
func addPercentiles(series *[]datadogV2.MetricSeries, metricPrefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

// labelTags renders labels as sorted "k:v" tags joined by commas. Empty
// values become "unknown".
func labelTags(labels metrics.Labels) string {
	if len(labels) == 0 {
		return ""
	}
	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		if v == "" {
			v = "unknown"
		}
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return strings.Join(tags, ",")
}

func sortedKeys[V any](m map[seriesKey]V) []seriesKey {
	keys := make([]seriesKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].metric != keys[j].metric {
			return keys[i].metric < keys[j].metric
		}
		return keys[i].tags < keys[j].tags
	})
	return keys
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	return s[min(max(idx, 0), n-1)]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,service:unnest".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
