// Package influxdb writes transport statistics to InfluxDB v2.
//
// A Sink owns one measurement in one bucket. Points are batched by the
// influxdb-client-go write API and sent in the background; write failures
// reach the WithErrorHandler callback.
//
//	sink, err := influxdb.Connect(ctx, cfg.InfluxDB,
//	    influxdb.WithErrorHandler(func(err error) { log.Error("write", "error", err) }))
//	if err != nil {
//	    return err
//	}
//	defer sink.Close()
//
//	sink.WriteStats(map[string]string{"client_id": id}, map[string]any{"published": n}, time.Now())
package influxdb
