package common

// ApiResponse is the envelope every JSON endpoint returns
type ApiResponse[T any] struct {
	Data    T      `json:"data"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
