package rpcproxy

import (
	"encoding/json"
	"slices"
	"strings"
)

// allowedNamespaces are the JSON-RPC method prefixes players may call.
var allowedNamespaces = []string{"web3", "eth", "net"}

// deniedMethods are never reachable through the proxy unless a node's
// extra_allowed_methods re-admits them.
var deniedMethods = []string{
	"eth_sign",
	"eth_signTransaction",
	"eth_signTypedData",
	"eth_signTypedData_v3",
	"eth_signTypedData_v4",
	"eth_sendTransaction",
	"eth_sendUnsignedTransaction",
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorResponse is the JSON-RPC error envelope the proxy itself produces.
type errorResponse struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      any      `json:"id"`
	Error   rpcError `json:"error"`
}

func jsonrpcFail(id any, code int, message string) *errorResponse {
	return &errorResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcError{Code: code, Message: message},
	}
}

// sentinelRequest replaces a rejected batch element so the upstream still
// sees a batch of the original length.
type sentinelRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
}

func newSentinel(index int) sentinelRequest {
	return sentinelRequest{JSONRPC: "2.0", ID: index, Method: "web3_clientVersion"}
}

// validateRequest checks one JSON-RPC request object against the method
// policy. extraAllowed is the node's override list, tested last so it can
// re-admit otherwise-forbidden methods. A nil return means permitted.
func validateRequest(raw json.RawMessage, extraAllowed []string) *errorResponse {
	var req map[string]json.RawMessage
	if err := json.Unmarshal(raw, &req); err != nil {
		return jsonrpcFail(nil, -32600, "expected json object")
	}

	rawID, ok := req["id"]
	if !ok || string(rawID) == "null" {
		return jsonrpcFail(nil, -32600, "invalid jsonrpc id")
	}
	var id any
	if err := json.Unmarshal(rawID, &id); err != nil || id == nil {
		return jsonrpcFail(nil, -32600, "invalid jsonrpc id")
	}

	var method string
	if err := json.Unmarshal(req["method"], &method); err != nil {
		return jsonrpcFail(id, -32600, "invalid jsonrpc method")
	}

	namespace, _, _ := strings.Cut(method, "_")
	permitted := slices.Contains(allowedNamespaces, namespace) &&
		!slices.Contains(deniedMethods, method)
	if !permitted && !slices.Contains(extraAllowed, method) {
		return jsonrpcFail(id, -32600, "forbidden jsonrpc method")
	}

	return nil
}

// requestID extracts the id field of a request for error attribution,
// returning nil when absent or unparsable.
func requestID(raw json.RawMessage) any {
	var req struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	return req.ID
}
