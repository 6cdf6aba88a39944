package requestports

import "context"

// Response is the raw upstream reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport performs one upstream call.
type Transport interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (*Response, error)
}
