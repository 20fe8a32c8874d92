package serve

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgebuild/forge/internal/execapi"
	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/targetcache"
)

// Server is the minimal serve-endpoint implementation spec §4.10 and §6
// call for: enough of SourceTree/TargetLevelCache/Configuration/Target to
// back a Client, grounded on the teacher's src/cache/server/http_server.go
// BuildRouter (gorilla/mux, one handler per verb+path).
type Server struct {
	RemoteExecutionAddress string
	Compatible             bool

	TargetCache     *targetcache.Cache
	Local           execapi.API
	Remote          execapi.API // nil when this serve endpoint has no remote CAS to bridge to
	SourceTrees     SourceTreeResolver
	TargetVariables TargetVariablesResolver
}

// Router builds the mux.Router backing this Server; callers embed it into
// their own http.Server (directly, or behind the process's other HTTP
// surfaces) and are responsible for calling ListenAndServe themselves.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	sub := r.PathPrefix(apiPrefix).Subrouter()
	sub.HandleFunc("/configuration", s.handleConfiguration).Methods(http.MethodGet)
	sub.HandleFunc("/commit-tree", s.handleCommitTree).Methods(http.MethodPost)
	sub.HandleFunc("/archive-tree", s.handleArchiveTree).Methods(http.MethodPost)
	sub.HandleFunc("/content", s.handleContent).Methods(http.MethodPost)
	sub.HandleFunc("/tree", s.handleTree).Methods(http.MethodPost)
	sub.HandleFunc("/check-root-tree", s.handleCheckRootTree).Methods(http.MethodPost)
	sub.HandleFunc("/remote-tree", s.handleRemoteTree).Methods(http.MethodPost)
	sub.HandleFunc("/target", s.handleTarget).Methods(http.MethodPost)
	sub.HandleFunc("/target-variables", s.handleTargetVariables).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warning("serve: encoding response: %s", err)
	}
}

func (s *Server) handleConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, configurationResponse{RemoteExecutionAddress: s.RemoteExecutionAddress, Compatible: s.Compatible})
}

func (s *Server) handleCommitTree(w http.ResponseWriter, r *http.Request) {
	var req commitTreeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.SourceTrees == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tree, ok, err := s.SourceTrees.CommitTree(r.Context(), req.Commit, req.Subdir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if req.SyncTree {
		if err := s.syncTree(r.Context(), tree); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, treeResponse{Tree: toDigestJSON(tree)})
}

func (s *Server) handleArchiveTree(w http.ResponseWriter, r *http.Request) {
	var req archiveTreeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.SourceTrees == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tree, ok, err := s.SourceTrees.ArchiveTree(r.Context(), req.Content.toDigest(), req.ArchiveType, req.Subdir, req.ResolveSymlinks)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if req.SyncTree {
		if err := s.syncTree(r.Context(), tree); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, treeResponse{Tree: toDigestJSON(tree)})
}

// syncTree pushes tree (and everything it transitively references) from
// this server's own CAS into its configured remote, the way
// GetRemoteTree/the source-tree RPCs' sync_tree flag expect.
func (s *Server) syncTree(ctx context.Context, tree model.Digest) error {
	if s.Remote == nil {
		return nil
	}
	return s.Local.RetrieveToCAS(ctx, []execapi.ObjectInfo{{Digest: tree, Type: model.Tree}}, s.Remote)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.checkAvailable(w, r, req.Digest.toDigest())
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.checkAvailable(w, r, req.Digest.toDigest())
}

func (s *Server) handleCheckRootTree(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.checkAvailable(w, r, req.Digest.toDigest())
}

// checkAvailable reports whether d is present in this server's own CAS,
// backing ServeContent/ServeTree/CheckRootTree: all three are, from this
// minimal server's point of view, the same "do you already have this"
// question, with sync_tree-on-write handled separately by handleCommitTree
// and handleArchiveTree.
func (s *Server) checkAvailable(w http.ResponseWriter, r *http.Request, d model.Digest) {
	avail, err := s.Local.IsAvailable(r.Context(), []model.Digest{d})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !avail[d.Hash] {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRemoteTree(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.syncTree(r.Context(), req.Digest.toDigest()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleTarget(w http.ResponseWriter, r *http.Request) {
	var req digestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.TargetCache == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	entry, ok, err := s.TargetCache.Read(r.Context(), targetcache.Key{Digest: req.Digest.toDigest()})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	info, ok := firstProvidedOrArtifact(entry)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, serveTargetResponse{
		Entry:      *entry,
		ObjectInfo: objectInfoJSON{Digest: toDigestJSON(info.Digest), Type: info.Type},
	})
}

// firstProvidedOrArtifact picks the export target's own value out of an
// Entry: the original's ServeTarget returns a single ObjectInfo, one level
// up from this engine's multi-artifact Entry shape, so this server reports
// whichever single provided value the entry names (falling back to its
// sole artifact when Provides is empty, e.g. a plain file export target).
func firstProvidedOrArtifact(e *targetcache.Entry) (targetcache.ArtifactRef, bool) {
	for _, v := range e.Provides {
		return v, true
	}
	for _, v := range e.Artifacts {
		return v, true
	}
	return targetcache.ArtifactRef{}, false
}

func (s *Server) handleTargetVariables(w http.ResponseWriter, r *http.Request) {
	var req targetVariablesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if s.TargetVariables == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	vars, ok, err := s.TargetVariables.TargetVariables(r.Context(), req.RootTree.toDigest(), req.TargetFile, req.Target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, targetVariablesResponse{Variables: vars})
}

// ServerTLSConfig builds a server-side *tls.Config from the mTLS material
// spec §6 names (TLS_SERVER_CERT/TLS_SERVER_KEY/TLS_CA_CERT), mirroring the
// teacher's rpc_server.go serverWithAuth: client certificates are requested
// but only verified against caCert when one is given.
func ServerTLSConfig(serverCert, serverKey, caCert string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCert, serverKey)
	if err != nil {
		return nil, fmt.Errorf("serve: loading server certificate: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequestClientCert,
	}
	if caCert != "" {
		pem, err := os.ReadFile(caCert)
		if err != nil {
			return nil, fmt.Errorf("serve: reading CA cert: %w", err)
		}
		cfg.ClientCAs = x509.NewCertPool()
		if !cfg.ClientCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("serve: no PEM certificates found in %s", caCert)
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}
