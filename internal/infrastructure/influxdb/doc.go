// Package influxdb mirrors fleet telemetry into InfluxDB.
//
// Client wraps influxdb-client-go v2 with a ping on connect and the
// non-blocking batched write API. TelemetrySink subscribes to the
// broadcaster and turns events into points:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	handle, _ := broadcaster.Subscribe(influxdb.NewTelemetrySink(client), broadcast.AllDevices)
//
// Batch size and flush interval come from the influxdb config section.
// Asynchronous write errors are reported through SetOnError.
package influxdb
