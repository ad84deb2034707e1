// Package client is the Go SDK for middlewared. It speaks the JSON-RPC
// protocol over a WebSocket, either on TCP or on the daemon's Unix socket,
// and uses the HTTP side channel for file uploads and job downloads.
//
// # Quick start
//
// The endpoint scheme decides the transport:
//
//   - ws://host:6000 or http://host:6000 – TCP, path defaults to /websocket
//   - wss:// or https:// – TLS terminated in front of the daemon
//   - unix:///var/run/middleware/middlewared.sock – local socket; the peer
//     uid authenticates the session, root is a full administrator
//
// A session that logs in, runs a job and follows the job list:
//
//	ctx := context.Background()
//	cli, err := client.New(ctx, "ws://127.0.0.1:6000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	if err := cli.Login(ctx, "admin", "secret"); err != nil {
//	    log.Fatal(err)
//	}
//	sub, err := cli.Subscribe(ctx, "core.get_jobs", client.WithSnapshot())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    for ev := range sub.Events() {
//	        log.Printf("%s job %s", ev.Kind, ev.IDString())
//	    }
//	}()
//	var result map[string]any
//	if err := cli.CallJobInto(ctx, &result, "pool.scrub.run", "tank"); err != nil {
//	    log.Fatal(err)
//	}
//
// Calls return *Error values for structured failures; use IsKind to branch on
// the error kind:
//
//	if client.IsKind(err, client.KindNotFound) {
//	    // ...
//	}
package client
