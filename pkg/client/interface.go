package client

import (
	"context"
)

// VisionClient sends a prompt and a base64-encoded image to a vision-language
// model and returns the model's text reply
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
}
