package sandbox

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"time"
)

// Builtin capabilities shared by every submission: timing and
// text/URL encoding. Kept free of host state on purpose.

func timeNow(ctx context.Context, args map[string]any) (any, error) {
	return float64(time.Now().UnixNano()) / 1e9, nil
}

func encodeBase64(ctx context.Context, args map[string]any) (any, error) {
	text, ok := args["text"].(string)
	if !ok {
		return nil, errors.New("text required")
	}
	return base64.StdEncoding.EncodeToString([]byte(text)), nil
}

func decodeBase64(ctx context.Context, args map[string]any) (any, error) {
	text, ok := args["text"].(string)
	if !ok {
		return nil, errors.New("text required")
	}
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, errors.New("invalid base64 input")
	}
	return string(data), nil
}

func urlEncode(ctx context.Context, args map[string]any) (any, error) {
	text, ok := args["text"].(string)
	if !ok {
		return nil, errors.New("text required")
	}
	return url.QueryEscape(text), nil
}

func urlDecode(ctx context.Context, args map[string]any) (any, error) {
	text, ok := args["text"].(string)
	if !ok {
		return nil, errors.New("text required")
	}
	decoded, err := url.QueryUnescape(text)
	if err != nil {
		return nil, errors.New("invalid url encoding")
	}
	return decoded, nil
}
