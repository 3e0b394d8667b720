package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Request is an RPC request frame:
//
//	{"id":1,"src":"client","method":"Dht.Read","args":{}}
type Request struct {
	ID     int64           `json:"id"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response is an RPC response frame. Exactly one of Result and Error is set.
type Response struct {
	ID     int64           `json:"id"`
	Src    string          `json:"src,omitempty"`
	Dst    string          `json:"dst,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the error object of a response frame.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// DecodeRequest parses a request frame.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, &Error{Code: http.StatusBadRequest, Message: fmt.Sprintf("malformed frame: %v", err)}
	}
	if req.Method == "" {
		return req, &Error{Code: http.StatusBadRequest, Message: "method missing"}
	}
	return req, nil
}

// StatusCode maps a call error to the code reported to the caller.
func StatusCode(err error) int {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgs):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Serve executes req and builds the response frame. self is the device id
// used as source of the response.
func (d *Dispatcher) Serve(ctx context.Context, req Request, self string) Response {
	resp := Response{ID: req.ID, Src: self, Dst: req.Src}
	res, err := d.Call(ctx, req.Method, req.Args)
	if err == nil {
		var data []byte
		if data, err = json.Marshal(res); err == nil {
			resp.Result = data
			return resp
		}
	}
	slog.Info("RPC call failed", "method", req.Method, "id", req.ID, "error", err)
	resp.Error = toError(err)
	return resp
}

func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: StatusCode(err), Message: err.Error()}
}

// errorResponse answers a frame that could not be decoded.
func errorResponse(req Request, self string, err error) Response {
	return Response{
		ID:    req.ID,
		Src:   self,
		Dst:   req.Src,
		Error: toError(err),
	}
}
