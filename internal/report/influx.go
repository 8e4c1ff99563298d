package report

import (
	"context"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxSink writes checkpoint reports as time-series points.
type InfluxSink struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxSink connects the checkpoint sink.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

// Write records one checkpoint point.
func (s *InfluxSink) Write(ctx context.Context, r Report) error {
	gmv, _ := r.Cumulative.GMV.Float64()
	fees, _ := r.Cumulative.Fees.Float64()

	point := influxdb2.NewPoint("checkpoint",
		map[string]string{
			"mode":   r.Mode,
			"sealed": boolTag(r.LedgerSealed),
		},
		map[string]interface{}{
			"cumulative_gmv":  gmv,
			"cumulative_fees": fees,
			"success_count":   r.Cumulative.SuccessCount,
			"backlog_depth":   r.BacklogDepth,
			"reserves_pct":    r.ReservesPct,
			"rate_per_sec":    r.RatePerSec,
		},
		r.TimestampUTC,
	)

	return s.write.WritePoint(ctx, point)
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
