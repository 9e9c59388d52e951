package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// DefaultWeatherBase 天气服务地址
const DefaultWeatherBase = "https://wttr.in"

// WeatherTool 查询天气
type WeatherTool struct {
	base   string
	client *http.Client
}

// NewWeatherTool 创建天气工具，base 为空时使用 wttr.in
func NewWeatherTool(base string) *WeatherTool {
	if base == "" {
		base = DefaultWeatherBase
	}
	return &WeatherTool{base: strings.TrimRight(base, "/"), client: newFetchClient()}
}

func (t *WeatherTool) Name() string { return "weather" }

func (t *WeatherTool) Description() string {
	return "Get the current weather and a short forecast for a location."
}

func (t *WeatherTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"location": map[string]interface{}{
				"type":        "string",
				"description": "city name or coordinates, empty for the node's location",
			},
		},
	}
}

func (t *WeatherTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	location, _ := args["location"].(string)
	u := t.base + "/" + url.PathEscape(strings.TrimSpace(location)) + "?format=3"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "curl/8") // wttr.in 按 UA 返回纯文本
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("weather request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather service: HTTP %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
