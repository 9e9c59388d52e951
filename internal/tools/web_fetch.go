package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// WebFetchTool 网页正文提取工具
type WebFetchTool struct {
	maxOutputSize int
	client        *http.Client
}

// NewWebFetchTool 创建网页提取工具
func NewWebFetchTool(maxOutputSize int) *WebFetchTool {
	return &WebFetchTool{maxOutputSize: maxOutputSize, client: newFetchClient()}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Download a web page and return its readable text as markdown-ish plain text. Use http_request for APIs."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "http or https page URL",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("缺少 url 参数")
	}
	if err := checkURLSafety(rawURL); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("创建请求失败: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %s", resp.Status)
	}

	// 原始数据最多读 1MB
	body := io.LimitReader(resp.Body, 1<<20)
	return limitOutput(t.render(body, resp.Header.Get("Content-Type"), rawURL), t.maxOutputSize), nil
}

// render 按 Content-Type 转成文本
func (t *WebFetchTool) render(body io.Reader, contentType, pageURL string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "text/html"), strings.Contains(ct, "application/xhtml"):
		return extractHTMLContent(body, pageURL)
	case strings.Contains(ct, "application/json"), strings.HasPrefix(ct, "text/"):
		data, err := io.ReadAll(body)
		if err != nil {
			return fmt.Sprintf("[read failed: %v]", err)
		}
		return string(data)
	}
	return fmt.Sprintf("[unsupported content type: %s]", contentType)
}

// pageWriter 把 HTML 节点树写成带少量标记的文本
type pageWriter struct {
	base *url.URL
	sb   strings.Builder
}

// extractHTMLContent 从 HTML 提取标题、描述和正文
func extractHTMLContent(body io.Reader, pageURL string) string {
	doc, err := html.Parse(body)
	if err != nil {
		return fmt.Sprintf("[html parse failed: %v]", err)
	}
	w := &pageWriter{}
	w.base, _ = url.Parse(pageURL)

	title, desc := pageMeta(doc)
	if title != "" {
		w.sb.WriteString("# " + title + "\n\n")
	}
	if desc != "" {
		w.sb.WriteString("> " + desc + "\n\n")
	}
	w.block(doc)
	return strings.TrimSpace(w.sb.String())
}

func pageMeta(doc *html.Node) (title, desc string) {
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if title == "" {
					title = cleanText(textContent(n))
				}
			case atom.Meta:
				if strings.EqualFold(attr(n, "name"), "description") && desc == "" {
					desc = cleanText(attr(n, "content"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title, desc
}

func (w *pageWriter) block(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if s := cleanText(n.Data); s != "" {
			w.sb.WriteString(s + " ")
		}
		return
	case html.ElementNode:
		if skipElement(n.DataAtom) {
			return
		}
		switch n.DataAtom {
		case atom.Head:
			return
		case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
			level := int(n.Data[1]-'0') + 1
			if level > 6 {
				level = 6
			}
			w.sb.WriteString("\n" + strings.Repeat("#", level) + " " + cleanText(textContent(n)) + "\n\n")
			return
		case atom.P:
			if s := cleanText(w.inline(n)); s != "" {
				w.sb.WriteString(s + "\n\n")
			}
			return
		case atom.A:
			w.sb.WriteString(w.inline(n))
			return
		case atom.Ul, atom.Ol:
			w.list(n, n.DataAtom == atom.Ol)
			return
		case atom.Pre:
			if code := strings.TrimSpace(textContent(n)); code != "" {
				w.sb.WriteString("\n```\n" + code + "\n```\n\n")
			}
			return
		case atom.Br:
			w.sb.WriteString("\n")
			return
		case atom.Hr:
			w.sb.WriteString("\n---\n\n")
			return
		case atom.Table:
			w.table(n)
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.block(c)
	}
}

func (w *pageWriter) list(n *html.Node, ordered bool) {
	w.sb.WriteString("\n")
	idx := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.DataAtom != atom.Li {
			continue
		}
		idx++
		text := cleanText(w.inline(c))
		if text == "" {
			continue
		}
		if ordered {
			fmt.Fprintf(&w.sb, "%d. %s\n", idx, text)
		} else {
			w.sb.WriteString("- " + text + "\n")
		}
	}
	w.sb.WriteString("\n")
}

func (w *pageWriter) table(n *html.Node) {
	w.sb.WriteString("\n")
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Tr {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
					cells = append(cells, cleanText(w.inline(c)))
				}
			}
			if len(cells) > 0 {
				w.sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	w.sb.WriteString("\n")
}

// inline 渲染行内内容，保留链接、代码和强调
func (w *pageWriter) inline(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode {
			if skipElement(n.DataAtom) {
				return
			}
			text := textContent(n)
			switch n.DataAtom {
			case atom.A:
				label := cleanText(text)
				if href := attr(n, "href"); label != "" && href != "" {
					fmt.Fprintf(&sb, "[%s](%s)", label, w.resolve(href))
				} else {
					sb.WriteString(label)
				}
				return
			case atom.Code:
				if text != "" {
					sb.WriteString("`" + text + "`")
				}
				return
			case atom.Strong, atom.B:
				if text != "" {
					sb.WriteString("**" + text + "**")
				}
				return
			case atom.Em, atom.I:
				if text != "" {
					sb.WriteString("*" + text + "*")
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func (w *pageWriter) resolve(href string) string {
	if w.base == nil || strings.HasPrefix(href, "#") {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return w.base.ResolveReference(ref).String()
}

func skipElement(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Noscript, atom.Nav, atom.Footer, atom.Header,
		atom.Iframe, atom.Svg, atom.Form, atom.Button, atom.Input, atom.Select, atom.Textarea:
		return true
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// cleanText 合并连续空白
func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateUTF8 按字节截断但保证 UTF-8 完整性
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
