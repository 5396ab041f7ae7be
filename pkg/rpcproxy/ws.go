package rpcproxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/wisbric/chainowl/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	// Access is gated by the unguessable external handle, not by origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS relays JSON-RPC frames between the client and the node over a
// persistent WebSocket pair, one request/response at a time.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	externalID := chi.URLParam(r, "external_id")
	nodeID := chi.URLParam(r, "node_id")

	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrading websocket", "error", err)
		return
	}
	defer client.Close()

	node, rpcErr := h.resolve(ctx, externalID, nodeID)
	if rpcErr != nil {
		_ = client.WriteJSON(&errorResponse{JSONRPC: "2.0", Error: *rpcErr})
		return
	}

	upstream, _, err := websocket.DefaultDialer.DialContext(ctx,
		fmt.Sprintf("ws://%s:%d", node.IP, node.Port), nil)
	if err != nil {
		telemetry.ProxyUpstreamErrorsTotal.Inc()
		h.logger.Error("dialing upstream websocket", "node_id", node.ID, "error", err)
		_ = client.WriteJSON(jsonrpcFail(nil, -32602, "failed to proxy request to anvil instance"))
		return
	}
	defer upstream.Close()

	telemetry.ProxyWSSessionsActive.Inc()
	defer telemetry.ProxyWSSessionsActive.Dec()

	for {
		_, msg, err := client.ReadMessage()
		if err != nil {
			return
		}

		if !json.Valid(msg) {
			if err := client.WriteJSON(jsonrpcFail(nil, -32600, "expected json body")); err != nil {
				return
			}
			continue
		}

		if fail := validateRequest(msg, node.ExtraAllowedMethods); fail != nil {
			telemetry.ProxyForbiddenTotal.Inc()
			if err := client.WriteJSON(fail); err != nil {
				return
			}
			continue
		}

		if err := upstream.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}

		_, resp, err := upstream.ReadMessage()
		if err != nil {
			return
		}

		// Responses go back as binary frames regardless of the upstream
		// frame type.
		if err := client.WriteMessage(websocket.BinaryMessage, resp); err != nil {
			return
		}
	}
}
