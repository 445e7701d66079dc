package rollup

import "hostbeat/pkg/telemetry"

// sampleFields pairs each numeric sample field with its aggregate slot so
// the bucket math stays in one loop instead of nine hand-written copies.
var sampleFields = []struct {
	value func(*telemetry.MetricSample) float64
	field func(*telemetry.RollupBucket) *telemetry.AggField
}{
	{func(m *telemetry.MetricSample) float64 { return m.CPUPercent }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.CPUPercent }},
	{func(m *telemetry.MetricSample) float64 { return m.RAMPercent }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.RAMPercent }},
	{func(m *telemetry.MetricSample) float64 { return m.NetUp }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.NetUp }},
	{func(m *telemetry.MetricSample) float64 { return m.NetDown }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.NetDown }},
	{func(m *telemetry.MetricSample) float64 { return m.DiskRead }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.DiskRead }},
	{func(m *telemetry.MetricSample) float64 { return m.DiskWrite }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.DiskWrite }},
	{func(m *telemetry.MetricSample) float64 { return m.Ping }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.Ping }},
	{func(m *telemetry.MetricSample) float64 { return m.CPUTemp }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.CPUTemp }},
	{func(m *telemetry.MetricSample) float64 { return m.LoadAvg }, func(b *telemetry.RollupBucket) *telemetry.AggField { return &b.LoadAvg }},
}

const numFields = 9
