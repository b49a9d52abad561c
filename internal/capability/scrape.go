package capability

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"

	"deskcron/internal/core"
)

// ScrapeWebpage fetches the page and returns its title and visible text.
// Non-HTML bodies are returned as-is, truncated to the scrape limit.
func (l *Local) ScrapeWebpage(ctx context.Context, p core.ScrapeWebpageParams) core.ExecutionResult {
	op := string(core.ActionScrapeWebpage)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return l.fail(op, p.URL, fmt.Sprintf("build request: %v", err), nil)
	}
	req.Header.Set("User-Agent", "deskcron")
	resp, err := l.http.Do(req)
	if err != nil {
		return l.fail(op, p.URL, fmt.Sprintf("fetch page: %v", err), nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(l.scrapeLimit)+1))
	if err != nil {
		return l.fail(op, p.URL, fmt.Sprintf("read page: %v", err), nil)
	}
	truncated := len(body) > l.scrapeLimit
	if truncated {
		body = body[:l.scrapeLimit]
	}
	details := map[string]any{
		"status_code":  resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"size":         humanize.Bytes(uint64(len(body))),
	}
	if truncated {
		details["truncated"] = true
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return l.fail(op, p.URL, fmt.Sprintf("unexpected status %s", resp.Status), details)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" || mediaType == "" {
		title, text := extractText(string(body))
		details["title"] = title
		details["content"] = text
	} else {
		details["content"] = string(body)
	}
	return core.ExecutionResult{
		Success:   true,
		Message:   fmt.Sprintf("scraped %s", p.URL),
		Timestamp: l.now().UTC(),
		Operation: op,
		Target:    p.URL,
		Details:   details,
	}
}

// extractText returns the document title and its visible text with
// whitespace collapsed. Script, style and noscript content is dropped.
func extractText(doc string) (title, text string) {
	z := html.NewTokenizer(strings.NewReader(doc))
	var b strings.Builder
	skip := 0
	inTitle := false
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(title), strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skip++
			case "title":
				inTitle = true
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			case "title":
				inTitle = false
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			t := string(z.Text())
			if inTitle {
				title += t
				continue
			}
			b.WriteString(t)
			b.WriteByte(' ')
		}
	}
}
