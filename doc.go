// Package mrmdsync is a real-time collaborative synchronization hub for
// markdown-style documents. Remote editors speak a CRDT wire protocol over a
// persistent duplex socket; the hub mediates their updates through one
// coordinator per document, persists the rendered text to a pluggable backing
// store (local filesystem or an external table), and feeds out-of-band edits
// to the store back into the live replica.
//
// The typical embedding is:
//
//	srv, stop, err := mrmdsync.StartServer(ctx, mrmdsync.Config{Dir: "./docs"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
package mrmdsync
