// Package opengraph fetches link preview metadata for URLs found in
// post content and caches preview images in the media store.
package opengraph

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// FetchTimeout bounds each outbound metadata or image request.
	FetchTimeout = 10 * time.Second

	// maxHTMLBytes caps how much of a page is read for parsing.
	maxHTMLBytes = 100 * 1024

	// maxImageBytes caps preview image downloads.
	maxImageBytes = 5 * 1024 * 1024

	userAgent = "Mozilla/5.0 (compatible; Vibes/1.0; +https://github.com/vibesapp/vibes)"
)

// Preview is the OpenGraph metadata extracted from a page.
type Preview struct {
	URL          string `json:"url"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Image        string `json:"image,omitempty"`
	ImageMediaID int64  `json:"image_media_id,omitempty"`
	SiteName     string `json:"site_name,omitempty"`
	Type         string `json:"type,omitempty"`
}

// Fetch retrieves a URL and extracts its OpenGraph metadata. It returns
// nil without error when the page is not HTML, does not respond with
// 200, or yields no title.
func Fetch(ctx context.Context, client *http.Client, rawURL string) (*Preview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return nil, nil
	}

	p := parseMetadata(io.LimitReader(resp.Body, maxHTMLBytes))
	if p.Title == "" {
		return nil, nil
	}
	// Record the final URL so redirects cache under one key.
	p.URL = resp.Request.URL.String()
	return p, nil
}

// parseMetadata walks the HTML token stream collecting og: properties,
// the meta description, and the document title as fallbacks.
func parseMetadata(r io.Reader) *Preview {
	var (
		og      = map[string]string{}
		title   string
		desc    string
		inTitle bool
		sb      strings.Builder
	)

	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return buildPreview(og, title, desc)
		case html.TextToken:
			if inTitle {
				sb.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "title":
				inTitle = true
				sb.Reset()
			case "meta":
				var prop, metaName, content string
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					switch string(key) {
					case "property":
						prop = string(val)
					case "name":
						metaName = strings.ToLower(string(val))
					case "content":
						content = string(val)
					}
				}
				if strings.HasPrefix(prop, "og:") && content != "" {
					og[strings.TrimPrefix(prop, "og:")] = content
				}
				if metaName == "description" && content != "" && desc == "" {
					desc = content
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "title" {
				inTitle = false
				if title == "" {
					title = strings.TrimSpace(sb.String())
				}
			}
		}
	}
}

func buildPreview(og map[string]string, title, desc string) *Preview {
	p := &Preview{
		Title:       og["title"],
		Description: og["description"],
		Image:       og["image"],
		SiteName:    og["site_name"],
		Type:        og["type"],
	}
	if p.Title == "" {
		p.Title = title
	}
	if p.Description == "" {
		p.Description = desc
	}
	return p
}
