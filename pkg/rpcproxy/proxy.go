// Package rpcproxy fronts every node with a method-filtering JSON-RPC
// reverse proxy, resolving public handles through the store.
package rpcproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/chainowl/internal/telemetry"
	"github.com/wisbric/chainowl/pkg/instance"
	"github.com/wisbric/chainowl/pkg/store"
)

// Handler proxies JSON-RPC traffic to the node resolved from the request URL.
type Handler struct {
	store  store.Store
	client *http.Client
	logger *slog.Logger
}

// NewHandler creates a proxy Handler sharing one upstream HTTP client.
func NewHandler(st store.Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  st,
		client: &http.Client{},
		logger: logger,
	}
}

// Routes returns the proxy's router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleRoot)
	r.Post("/", h.handleRoot)
	r.Post("/{external_id}/{node_id}", h.handleRPC)
	r.Get("/{external_id}/{node_id}/ws", h.handleWS)
	return r
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding proxy response", "error", err)
	}
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, jsonrpcFail(nil, -32600, "Please use the full node url"))
}

// resolve maps the public handle and node id to the node endpoint. A non-nil
// error response carries the failure; the caller fills in the request id.
func (h *Handler) resolve(ctx context.Context, externalID, nodeID string) (*instance.NodeEndpoint, *rpcError) {
	rec, err := h.store.GetByExternal(ctx, externalID)
	if err != nil {
		h.logger.Error("resolving external id", "external_id", externalID, "error", err)
		return nil, &rpcError{Code: -32602, Message: "invalid rpc url, instance not found"}
	}
	if rec == nil {
		return nil, &rpcError{Code: -32602, Message: "invalid rpc url, instance not found"}
	}

	node := rec.Node(nodeID)
	if node == nil {
		return nil, &rpcError{Code: -32602, Message: "invalid rpc url, chain not found"}
	}
	return node, nil
}

// handleRPC serves single and batched JSON-RPC over HTTP.
func (h *Handler) handleRPC(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	externalID := chi.URLParam(r, "external_id")
	nodeID := chi.URLParam(r, "node_id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondJSON(w, jsonrpcFail(nil, -32600, "expected json body"))
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 || !json.Valid(body) {
		respondJSON(w, jsonrpcFail(nil, -32600, "expected json body"))
		return
	}

	node, rpcErr := h.resolve(ctx, externalID, nodeID)
	if rpcErr != nil {
		var id any
		if trimmed[0] != '[' {
			id = requestID(body)
		}
		respondJSON(w, &errorResponse{JSONRPC: "2.0", ID: id, Error: *rpcErr})
		return
	}

	if trimmed[0] == '[' {
		h.proxyBatch(ctx, w, node, body)
		return
	}
	h.proxySingle(ctx, w, node, body)
}

func (h *Handler) proxySingle(ctx context.Context, w http.ResponseWriter, node *instance.NodeEndpoint, body []byte) {
	if fail := validateRequest(body, node.ExtraAllowedMethods); fail != nil {
		telemetry.ProxyForbiddenTotal.Inc()
		respondJSON(w, fail)
		return
	}

	upstream, err := h.forward(ctx, node, body)
	if err != nil {
		telemetry.ProxyUpstreamErrorsTotal.Inc()
		h.logger.Error("failed to proxy anvil request", "node_id", node.ID, "error", err)
		respondJSON(w, jsonrpcFail(requestID(body), -32602, "failed to proxy request to anvil instance"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(upstream); err != nil {
		h.logger.Error("writing proxy response", "error", err)
	}
}

// proxyBatch validates each element independently, neuters rejected ones
// with a sentinel so the upstream batch keeps its length, then stitches the
// upstream responses back around the locally produced errors.
func (h *Handler) proxyBatch(ctx context.Context, w http.ResponseWriter, node *instance.NodeEndpoint, body []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		respondJSON(w, jsonrpcFail(nil, -32600, "expected json body"))
		return
	}

	failures := make([]*errorResponse, len(elements))
	outgoing := make([]any, len(elements))
	for i, element := range elements {
		if fail := validateRequest(element, node.ExtraAllowedMethods); fail != nil {
			telemetry.ProxyForbiddenTotal.Inc()
			failures[i] = fail
			outgoing[i] = newSentinel(i)
			continue
		}
		outgoing[i] = element
	}

	payload, err := json.Marshal(outgoing)
	if err != nil {
		respondJSON(w, jsonrpcFail(nil, -32600, "expected json body"))
		return
	}

	responses := make([]any, len(elements))

	upstream, err := h.forward(ctx, node, payload)
	if err != nil {
		telemetry.ProxyUpstreamErrorsTotal.Inc()
		h.logger.Error("failed to proxy anvil batch", "node_id", node.ID, "error", err)
		fail := jsonrpcFail(nil, -32602, "failed to proxy request to anvil instance")
		for i := range responses {
			if failures[i] != nil {
				responses[i] = failures[i]
			} else {
				responses[i] = fail
			}
		}
		respondJSON(w, responses)
		return
	}

	// The upstream normally answers a batch with a batch; if it answered
	// with a single object (e.g. a top-level error) apply it to every
	// position that passed validation.
	var upstreamBatch []json.RawMessage
	batchErr := json.Unmarshal(upstream, &upstreamBatch)

	for i := range responses {
		switch {
		case failures[i] != nil:
			responses[i] = failures[i]
		case batchErr == nil && i < len(upstreamBatch):
			responses[i] = upstreamBatch[i]
		default:
			responses[i] = json.RawMessage(upstream)
		}
	}

	respondJSON(w, responses)
}

// forward posts the payload to the node and returns the response body.
func (h *Handler) forward(ctx context.Context, node *instance.NodeEndpoint, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d", node.IP, node.Port)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}
