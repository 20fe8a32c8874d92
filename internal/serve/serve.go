// Package serve implements spec §4.10: an optional client for a
// cross-machine serve endpoint (source-tree resolution, target-level cache
// lookups, target introspection) plus a minimal server backing it, and the
// "Serve protocol" of spec §6.
//
// The original implementation this spec was distilled from wires the serve
// protocol over its own protobuf service (just_serve.proto); no generated
// stub for that service travels with this engine's dependency set. Grounded
// instead on the teacher's other remote-cache transport, src/cache/http_cache.go
// and src/cache/server/http_server.go (a plain net/http + gorilla/mux
// JSON/tar service sitting next to the teacher's gRPC rpc_cache), this
// package speaks JSON over HTTP: every RPC the original source_tree_client.cpp
// and target_client.cpp expose becomes one POST/GET route, each call still
// wrapped by internal/retry per spec §4.9.
package serve

import (
	"github.com/forgebuild/forge/internal/clog"
)

var log = clog.NewLogger("serve")

// apiPrefix namespaces every route this package's client and server agree
// on, so the serve endpoint can share a port with other HTTP surfaces.
const apiPrefix = "/serve/v1"
