// Package transport carries the replication protocol over websockets.
//
// A Server exposes a local store at /sync. A Client dials a server and
// implements replication.Peer, so a remote replica can be added to a
// Replicator like any in-process peer.
//
// Messages are JSON objects with a "type" field:
//
//	hello   server → client, first message, carries the server's site id
//	fetch   client → server, a replication.FetchRequest tagged with an id
//	docs    server → client, the replication.Batch answering fetch <id>
//	error   server → client, fetch <id> failed
//	notice  server → client, a committed change on the server
//
// Local evictions on the server are never announced.
package transport
