package api

import "github.com/samcharles93/qconv/pkg/qconv"

// TensorPayload is the JSON wire form of a quantized tensor.
type TensorPayload struct {
	Shape     []int   `json:"shape"`
	DType     string  `json:"dtype"`
	Scale     float64 `json:"scale"`
	ZeroPoint int32   `json:"zero_point"`
	Data      []int32 `json:"data"`
}

// ModuleResponse describes a loaded module.
type ModuleResponse struct {
	ID        string       `json:"id"`
	Object    string       `json:"object"`
	CreatedAt int64        `json:"created_at"`
	Backend   string       `json:"backend"`
	Config    qconv.Config `json:"config"`
	Scale     float64      `json:"scale"`
	ZeroPoint int32        `json:"zero_point"`
}

// ModuleList is the envelope for GET /v1/modules.
type ModuleList struct {
	Object string           `json:"object"`
	Data   []ModuleResponse `json:"data"`
}

// ForwardRequest carries one quantized input batch.
type ForwardRequest struct {
	Input TensorPayload `json:"input"`
}

// ForwardResponse carries the quantized output of a forward pass.
type ForwardResponse struct {
	ID     string        `json:"id"`
	Object string        `json:"object"`
	Output TensorPayload `json:"output"`
}

// DeleteResponse confirms module removal.
type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// ResponseError is the error body shape shared by all endpoints.
type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
