package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// ReadBody reads the request body up to maxBytes, the raw-bytes counterpart
// to Decode for handlers (like the JSON-RPC ingress) that parse the body
// themselves instead of unmarshaling into a Go struct.
func ReadBody(r *http.Request, maxBytes int64) ([]byte, error) {
	body := http.MaxBytesReader(nil, r.Body, maxBytes)
	defer body.Close()
	return io.ReadAll(body)
}

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope for the admin surface.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RPCError is the JSON-RPC 2.0 error object (spec §6).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RPCResponse is a JSON-RPC 2.0 response envelope.
type RPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RespondRPCError writes a JSON-RPC error response. The HTTP status is
// determined by the caller from the underlying apperr.Kind.
func RespondRPCError(w http.ResponseWriter, httpStatus int, id any, code int, message string, data any) {
	Respond(w, httpStatus, RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	})
}

// RespondRPCResult writes a JSON-RPC success response.
func RespondRPCResult(w http.ResponseWriter, id any, result any) {
	Respond(w, http.StatusOK, RPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}
