package transport

import (
	"context"
	"time"
)

// StatsWriter records one statistics point. The writer owns the
// measurement name. influxdb.Sink implements it.
type StatsWriter interface {
	WriteStats(tags map[string]string, fields map[string]any, ts time.Time)
}

// StatsSource provides counter snapshots. Transport implements it.
type StatsSource interface {
	Stats() Stats
}

// Reporter periodically writes a Stats snapshot as a metrics point tagged
// with the client id.
type Reporter struct {
	src      StatsSource
	w        StatsWriter
	interval time.Duration
	tags     map[string]string
}

// NewReporter creates a reporter. extraTags are added to every point.
func NewReporter(src StatsSource, w StatsWriter, interval time.Duration, extraTags map[string]string) *Reporter {
	tags := make(map[string]string, len(extraTags)+1)
	for k, v := range extraTags {
		tags[k] = v
	}
	return &Reporter{src: src, w: w, interval: interval, tags: tags}
}

// Run reports every interval until ctx is cancelled, then writes one
// final point.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Report(time.Now())
			return
		case now := <-ticker.C:
			r.Report(now)
		}
	}
}

// Report writes one point stamped ts.
func (r *Reporter) Report(ts time.Time) {
	st := r.src.Stats()

	tags := make(map[string]string, len(r.tags)+2)
	for k, v := range r.tags {
		tags[k] = v
	}
	tags["client_id"] = st.ClientID
	tags["state"] = st.State.String()

	r.w.WriteStats(tags, st.Fields(), ts)
}
