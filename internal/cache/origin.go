package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Stream 是源站返回的可读正文。Size 为 -1 表示长度未知。
type Stream struct {
	Body         io.ReadCloser
	Size         int64
	ContentType  string
	LastModified string
}

// Origin 打开指定 URL 的字节流。非 200 状态需返回 KindUpstream，传输失败返回 KindNetwork。
type Origin interface {
	Open(ctx context.Context, rawURL string) (*Stream, error)
}

// HTTPOrigin 基于共享 http.Client 实现 Origin。
type HTTPOrigin struct {
	client    *http.Client
	userAgent string
}

// NewHTTPOrigin 构造 HTTPOrigin，client 为空时使用 http.DefaultClient。
func NewHTTPOrigin(client *http.Client, userAgent string) *HTTPOrigin {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOrigin{client: client, userAgent: userAgent}
}

// Open 发起 GET 请求并在状态为 200 时返回正文流，其余状态会关闭正文并返回错误。
func (o *HTTPOrigin) Open(ctx context.Context, rawURL string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, networkError(rawURL, fmt.Errorf("build request: %w", err))
	}
	if o.userAgent != "" {
		req.Header.Set("User-Agent", o.userAgent)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, networkError(rawURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &FetchError{Kind: KindUpstream, URL: rawURL, Status: resp.StatusCode, Err: ErrUpstreamStatus}
	}

	return &Stream{
		Body:         resp.Body,
		Size:         resp.ContentLength,
		ContentType:  resp.Header.Get("Content-Type"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
