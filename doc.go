// Package middlewared is the management daemon of a storage appliance. It
// serves a JSON-RPC style API over WebSocket, runs long operations as
// tracked jobs, publishes change events to subscribers and raises alerts
// from periodic checks.
//
// # Running a server
//
// The daemon listens on TCP (`Config.Listen`) and on a local Unix socket
// (`Config.SocketPath`). Socket peers are authenticated by uid; uid 0 is a
// full administrator. State lives in an SQLite database under
// `Config.DataDir`; job logs, uploads and downloadable outputs go to the
// artifact store selected by `Config.ArtifactStore`.
//
//	cfg := middlewared.Config{
//	    Listen:        "127.0.0.1:6000",
//	    SocketPath:    "/var/run/middleware/middlewared.sock",
//	    DataDir:       "/var/db/middlewared",
//	    ArtifactStore: "s3://minio.local:9000/middlewared/artifacts",
//	}
//	srv, err := middlewared.NewServer(cfg, middlewared.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatal(err)
//	    }
//	}()
//	defer srv.Close()
//
// Start runs the init hooks (database migrations, alert and service state),
// opens the listeners and announces system.ready. Shutdown stops accepting
// connections, closes sessions, aborts running jobs with "system shutting
// down", runs the teardown hooks in reverse order and releases the stores.
//
// # Embedding in tests
//
// StartTestServer boots a daemon on an ephemeral port with an in-memory
// artifact store and returns a client already logged in as an
// administrator:
//
//	ts := middlewared.StartTestServer(t)
//	var pools []map[string]any
//	if err := ts.Client.CallInto(ctx, &pools, "pool.query"); err != nil {
//	    t.Fatal(err)
//	}
//
// # Artifact stores
//
//	mem://                               in-process, lost on restart
//	disk:///var/db/middlewared/artifacts local directory with retention janitor
//	s3://host:port/bucket/prefix         any S3 API via minio-go
//	aws://bucket/prefix?region=eu-north-1 AWS S3 via the AWS SDK
//	azure://account/container/prefix     Azure Blob Storage
//
// Setting `Config.ArtifactEncryption` wraps every stored object in a
// kryptograf envelope keyed from `Config.ArtifactKeyPath`.
package middlewared
