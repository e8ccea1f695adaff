package extract

import (
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
)

var attachmentExts = map[string]bool{
	".pdf": true, ".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".heic": true, ".tif": true, ".tiff": true, ".txt": true,
}

// attachments returns linked files (anchors and images) resolved against sourceURL
func attachments(doc *html.Node, sourceURL string) []string {
	base, err := url.Parse(sourceURL)
	if err != nil {
		return nil
	}

	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			var ref string
			switch n.Data {
			case "a":
				ref = attr(n, "href")
			case "img":
				ref = attr(n, "src")
			}
			if ref != "" {
				if resolved := resolveURL(base, ref); resolved != "" && isAttachment(resolved) {
					out = append(out, resolved)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return dedupe(out)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func isAttachment(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return attachmentExts[strings.ToLower(path.Ext(u.Path))]
}

// resolveURL resolves a relative URL against a base URL
func resolveURL(base *url.URL, href string) string {
	// Skip anchors
	if strings.HasPrefix(href, "#") {
		return ""
	}

	// Skip javascript: and mailto: links
	if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}

	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}

	resolved := base.ResolveReference(parsed)

	// Only keep http/https URLs
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}

	return resolved.String()
}
