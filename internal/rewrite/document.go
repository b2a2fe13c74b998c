// Package rewrite implements the HTML rewriting pipeline applied to pages
// flowing through the proxy: embed stripping, slang scrubbing, media
// substitution, link mapping and head injection.
package rewrite

import (
	"fmt"
	"io"
	"math/rand"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/html"
)

const (
	PlaceholderVideo = "http://www.catuhe.com/msdn/notAllowedSite/pony/pony.mp4"
	placeholderImage = "http://www.catuhe.com/msdn/notAllowedSite/pony/%02d.jpg"
	placeholderCount = 15
)

// LinkMapper maps ref, as found in a page served from base, to the URI the
// browser should use instead. An empty result leaves the attribute alone.
type LinkMapper func(base *url.URL, ref string) string

// linkTargets lists the elements whose reference attribute is rewritten.
var linkTargets = []struct {
	selector string
	attr     string
}{
	{"a[href]", "href"},
	{"link[rel~=stylesheet][href]", "href"},
	{"script[src]", "src"},
	{"img[src]", "src"},
	{"iframe[src]", "src"},
	{"form[action]", "action"},
}

type Document struct {
	doc *goquery.Document
}

func Parse(r io.Reader) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{doc: doc}, nil
}

func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// StripEmbeds removes object and iframe elements and returns how many were
// removed.
func (d *Document) StripEmbeds() int {
	sel := d.doc.Find("object, iframe")
	n := sel.Length()
	sel.Remove()
	return n
}

// FilterWords scrubs words from every text node outside script and style.
// It returns the number of text nodes changed.
func (d *Document) FilterWords(words *Wordlist) int {
	if words.Len() == 0 {
		return 0
	}
	changed := 0
	for _, root := range d.doc.Nodes {
		walkText(root, func(n *html.Node) {
			if out, ok := words.scrub(n.Data); ok {
				n.Data = out
				changed++
			}
		})
	}
	return changed
}

func walkText(n *html.Node, f func(*html.Node)) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "noscript", "template":
			return
		}
	}
	if n.Type == html.TextNode {
		f(n)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(c, f)
	}
}

// SubstituteMedia points videos at the placeholder clip and images at one
// of the placeholder pictures chosen with rnd.
func (d *Document) SubstituteMedia(rnd *rand.Rand) int {
	n := 0
	d.doc.Find("video[src]").Each(func(_ int, s *goquery.Selection) {
		s.SetAttr("src", PlaceholderVideo)
		n++
	})
	d.doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		s.SetAttr("src", PlaceholderImage(rnd))
		s.RemoveAttr("srcset")
		n++
	})
	return n
}

// PlaceholderImage returns one of the placeholder pictures.
func PlaceholderImage(rnd *rand.Rand) string {
	var i int
	if rnd != nil {
		i = rnd.Intn(placeholderCount)
	} else {
		i = rand.Intn(placeholderCount)
	}
	return fmt.Sprintf(placeholderImage, i)
}

// RewriteLinks replaces the reference attributes of links, stylesheets,
// scripts, images, frames and forms with the result of mapper.
func (d *Document) RewriteLinks(base *url.URL, mapper LinkMapper) int {
	if mapper == nil {
		return 0
	}
	n := 0
	for _, target := range linkTargets {
		d.doc.Find(target.selector).Each(func(_ int, s *goquery.Selection) {
			ref, _ := s.Attr(target.attr)
			if skipRef(ref) {
				return
			}
			if mapped := mapper(base, ref); mapped != "" && mapped != ref {
				s.SetAttr(target.attr, mapped)
				n++
			}
		})
	}
	return n
}

func skipRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return true
	}
	lower := strings.ToLower(ref)
	for _, p := range []string{"data:", "javascript:", "mailto:", "tel:", "about:", "blob:", "vbscript:"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// InjectHead inserts payload as the first content of the head element.
func (d *Document) InjectHead(payload string) bool {
	if payload == "" {
		return false
	}
	head := d.doc.Find("head").First()
	if head.Length() == 0 {
		return false
	}
	head.PrependHtml(payload)
	return true
}

func (d *Document) Render() (string, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	for _, n := range d.doc.Nodes {
		if err := html.Render(buf, n); err != nil {
			return "", fmt.Errorf("render html: %w", err)
		}
	}
	return buf.String(), nil
}

// Selection exposes the underlying document to callbacks that want to
// inspect it with goquery.
func (d *Document) Selection() *goquery.Selection {
	return d.doc.Selection
}
