package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const userAgent = "kelemesh-worker/0.1"

// HTTPTool HTTP 请求工具
type HTTPTool struct {
	maxOutputSize int
	client        *http.Client
}

// NewHTTPTool 创建 HTTP 工具
func NewHTTPTool(maxOutputSize int) *HTTPTool {
	return &HTTPTool{maxOutputSize: maxOutputSize, client: newFetchClient()}
}

func (t *HTTPTool) Name() string { return "http_request" }

func (t *HTTPTool) Description() string {
	return "Send an HTTP request (GET/POST/PUT/DELETE) to a public URL and return status, key headers and body. Private addresses are refused."
}

func (t *HTTPTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "http or https URL",
			},
			"method": map[string]interface{}{
				"type":        "string",
				"description": "HTTP method, default GET",
				"enum":        []string{"GET", "POST", "PUT", "DELETE"},
			},
			"headers": map[string]interface{}{
				"type":        "object",
				"description": "extra request headers",
			},
			"body": map[string]interface{}{
				"type":        "string",
				"description": "request body for POST/PUT",
			},
		},
		"required": []string{"url"},
	}
}

func (t *HTTPTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("缺少 url 参数")
	}
	if err := checkURLSafety(rawURL); err != nil {
		return "", err
	}

	method, _ := args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var bodyReader io.Reader
	if body, ok := args["body"].(string); ok && body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if headers, ok := args["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求失败: %v", err)
	}
	defer resp.Body.Close()

	maxSize := t.maxOutputSize
	if maxSize <= 0 {
		maxSize = 10240
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxSize)+1))
	if err != nil {
		return "", fmt.Errorf("读取响应失败: %v", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP %s\n", resp.Status)
	for _, h := range []string{"Content-Type", "Content-Length"} {
		if v := resp.Header.Get(h); v != "" {
			fmt.Fprintf(&sb, "%s: %s\n", h, v)
		}
	}
	sb.WriteString("\n")
	sb.WriteString(limitOutput(string(data), maxSize))
	return sb.String(), nil
}

func newFetchClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("重定向次数过多")
			}
			return checkURLSafety(req.URL.String())
		},
	}
}

// checkURLSafety 检查 URL 是否安全（禁止内网访问）
func checkURLSafety(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("无效 URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https 协议")
	}

	host := parsed.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("禁止访问内网地址: %s", host)
		}
	}

	lowerHost := strings.ToLower(host)
	if lowerHost == "localhost" || strings.HasSuffix(lowerHost, ".local") || strings.HasSuffix(lowerHost, ".internal") {
		return fmt.Errorf("禁止访问内网地址: %s", host)
	}
	return nil
}
