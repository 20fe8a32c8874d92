package serve

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/forgebuild/forge/internal/model"
	"github.com/forgebuild/forge/internal/retry"
)

// A Client talks to one serve endpoint over HTTP. One Client corresponds to
// one "host:port" the dispatch table or configuration names as the serve
// address, distinct from the remote-execution address it is meant to agree
// with (CheckServeRemoteExecution verifies that).
type Client struct {
	baseURL  string
	http     *http.Client
	retryCfg retry.Config
}

// NewClient returns a Client against baseURL (e.g. "https://serve.internal:8980").
// httpClient may be nil, in which case http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client, retryCfg retry.Config) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient, retryCfg: retryCfg}
}

// TLSConfig builds a *tls.Config for dialing a serve endpoint from the
// mTLS material spec §6 names (TLS_CA_CERT/TLS_CLIENT_CERT/TLS_CLIENT_KEY),
// mirroring the teacher's rpc_cache.go loadAuth. Any of the three paths may
// be empty; an empty caCert leaves the system root pool in place, an empty
// clientCert/clientKey pair leaves the connection without a client
// certificate (server-only TLS).
func TLSConfig(caCert, clientCert, clientKey string) (*tls.Config, error) {
	cfg := &tls.Config{}
	if clientCert != "" {
		cert, err := tls.LoadX509KeyPair(clientCert, clientKey)
		if err != nil {
			return nil, fmt.Errorf("serve: loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caCert != "" {
		pem, err := os.ReadFile(caCert)
		if err != nil {
			return nil, fmt.Errorf("serve: reading CA cert: %w", err)
		}
		cfg.RootCAs = x509.NewCertPool()
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("serve: no PEM certificates found in %s", caCert)
		}
	}
	return cfg, nil
}

// call performs one JSON request/response round trip against path, wrapped
// by internal/retry: a network error or a 503/504 response is transient
// (spec §7's "Transient remote" row), anything else is fatal. It reports
// found=false (with err==nil) for a 404 instead of decoding respBody,
// letting callers distinguish a definite miss from a successful hit.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody interface{}) (found bool, err error) {
	err = retry.Do(ctx, c.retryCfg, "serve:"+path, func(ctx context.Context, attempt int) retry.Result {
		var body io.Reader
		if reqBody != nil {
			b, err := json.Marshal(reqBody)
			if err != nil {
				return retry.Result{Fatal: true, Err: fmt.Errorf("serve: encoding request: %w", err)}
			}
			body = bytes.NewReader(b)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, body)
		if reqErr != nil {
			return retry.Result{Fatal: true, Err: fmt.Errorf("serve: building request: %w", reqErr)}
		}
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return retry.Result{Err: fmt.Errorf("serve: %s %s: %w", method, path, doErr)}
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusGatewayTimeout {
			return retry.Result{Err: fmt.Errorf("serve: %s %s: %s", method, path, resp.Status)}
		}
		if resp.StatusCode == http.StatusNotFound {
			found = false
			return retry.Result{OK: true}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(resp.Body)
			return retry.Result{Fatal: true, Err: fmt.Errorf("serve: %s %s: %s: %s", method, path, resp.Status, msg)}
		}
		if respBody != nil {
			if decErr := json.NewDecoder(resp.Body).Decode(respBody); decErr != nil {
				return retry.Result{Fatal: true, Err: fmt.Errorf("serve: decoding response: %w", decErr)}
			}
		}
		found = true
		return retry.Result{OK: true}
	})
	return found, err
}

type configurationResponse struct {
	RemoteExecutionAddress string `json:"remote_execution_address"`
	Compatible             bool   `json:"compatible"`
}

// CheckServeRemoteExecution verifies the serve endpoint's configured
// remote-execution address matches clientRemoteAddress, the address this
// process itself dials for execution. A mismatch means actions resolved
// through this serve endpoint (e.g. ServeTarget's cached outputs) were
// produced against a different backend and cannot be trusted blindly.
func (c *Client) CheckServeRemoteExecution(ctx context.Context, clientRemoteAddress string) (bool, error) {
	var resp configurationResponse
	if _, err := c.call(ctx, http.MethodGet, "/configuration", nil, &resp); err != nil {
		return false, err
	}
	if resp.RemoteExecutionAddress == "" {
		// The serve endpoint also acts as the executor: nothing to
		// cross-check beyond the client's own configuration.
		return true, nil
	}
	if resp.RemoteExecutionAddress != clientRemoteAddress {
		log.Error("serve: remote execution endpoint mismatch: serve uses %q, client uses %q", resp.RemoteExecutionAddress, clientRemoteAddress)
		return false, nil
	}
	return true, nil
}

// IsCompatible reports whether the serve endpoint is running in compatible
// (SHA256) mode.
func (c *Client) IsCompatible(ctx context.Context) (bool, error) {
	var resp configurationResponse
	if _, err := c.call(ctx, http.MethodGet, "/configuration", nil, &resp); err != nil {
		return false, err
	}
	return resp.Compatible, nil
}

type digestJSON struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

func toDigestJSON(d model.Digest) digestJSON {
	return digestJSON{Hash: d.Hash, SizeBytes: d.SizeBytes}
}

func (d digestJSON) toDigest() model.Digest {
	return model.Digest{Hash: d.Hash, SizeBytes: d.SizeBytes}
}
