package web

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

type page struct {
	Title string
	Links []string
}

// parsePage extracts the title and the absolute http(s) targets of <a href>
// and <link rel=alternate>. A <base href> changes the resolution base;
// rel=nofollow links are skipped.
func parsePage(base *url.URL, body []byte) (*page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	p := &page{}
	var hrefs []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if p.Title == "" && n.FirstChild != nil {
					p.Title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "base":
				if href := attr(n, "href"); href != "" {
					if u, err := base.Parse(href); err == nil {
						base = u
					}
				}
			case "a":
				if !hasToken(attr(n, "rel"), "nofollow") {
					hrefs = append(hrefs, attr(n, "href"))
				}
			case "link":
				if hasToken(attr(n, "rel"), "alternate") {
					hrefs = append(hrefs, attr(n, "href"))
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	for _, href := range hrefs {
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			continue
		}
		ref, err := url.Parse(href)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme == "http" || abs.Scheme == "https" {
			p.Links = append(p.Links, abs.String())
		}
	}
	return p, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(strings.ToLower(list)) {
		if f == token {
			return true
		}
	}
	return false
}
