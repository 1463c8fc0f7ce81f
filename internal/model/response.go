package model

// ListResponse is the envelope for admin list endpoints.
type ListResponse struct {
	Resource interface{}   `json:"resource"`
	Meta     *ResponseMeta `json:"meta,omitempty"`
}

// ResponseMeta carries list metadata.
type ResponseMeta struct {
	Count int `json:"count"`
}

// ErrorResponse is the error envelope shared by every endpoint. Error holds
// a short code or phrase, Message a human-readable explanation.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Usage   *Usage `json:"usage,omitempty"`
}
