// Package pebblestore implements the ridecast log store on an embedded
// Pebble database.
//
// Usage:
//
//	engine, err := pebblestore.Open(pebblestore.Options{
//	    DataDir: "./data",
//	    Fsync:   pebblestore.FsyncModeInterval,
//	})
//	if err != nil { /* handle */ }
//	defer engine.Close()
//
//	conn, _ := engine.Dial(ctx)
//	id, _ := conn.Append(ctx, "ride-42", map[string]string{"power": "240"})
package pebblestore
