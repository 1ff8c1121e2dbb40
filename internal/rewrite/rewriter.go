// Package rewrite transforms textual upstream bodies before they reach the client:
// scripts are stripped, upstream origins are mapped back to proxy prefixes and
// six-letter words in visible text are marked.
package rewrite

import (
	"bytes"
	"cmp"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"

	"markproxy/internal/config"
	"markproxy/internal/model"
	"markproxy/internal/target"
)

var (
	scriptBlock = regexp.MustCompile(`(?s)<script.*?</script>`)
	// Any of these means the body is a document whose optional tags must survive.
	documentTag = regexp.MustCompile(`(?i)<!doctype|<(?:html|head|body)[\s>]`)
)

// rewritableTypes lists the media types treated as textual-rewritable.
var rewritableTypes = map[string]bool{
	"text/html":              true,
	"text/css":               true,
	"text/javascript":        true,
	"application/javascript": true,
}

// rawTextParents are elements whose text children are serialized verbatim.
// Their content is never marked.
var rawTextParents = map[atom.Atom]bool{
	atom.Script:    true,
	atom.Style:     true,
	atom.Noscript:  true,
	atom.Iframe:    true,
	atom.Noembed:   true,
	atom.Noframes:  true,
	atom.Xmp:       true,
	atom.Plaintext: true,
}

// Error is returned when a body cannot be rewritten. The caller relays the
// original bytes instead.
type Error struct {
	Op        string
	MediaType string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rewrite %s: %s: %v", e.MediaType, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Rewriter applies the body transform. It is immutable after construction
// and safe for concurrent use.
type Rewriter struct {
	origins    *strings.Replacer
	marker     string
	markAssets bool
	maxBytes   int64
	logger     *slog.Logger
}

// New builds a Rewriter whose origin mapping is the inverse of the
// resolver's prefix rules.
func New(cfg *config.Config, resolver *target.Resolver, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		origins:    originReplacer(resolver.Rules()),
		marker:     cfg.Rewrite.Marker,
		markAssets: cfg.Rewrite.ShouldMarkAssets(),
		maxBytes:   cfg.Rewrite.MaxBodyBytes,
		logger:     logger.With("component", "rewriter"),
	}
}

// originReplacer maps every rule origin onto its prefix. When several rules
// share an origin the first declared one wins. Longer origins are tried first
// so that one origin never shadows another it is a prefix of.
func originReplacer(rules []target.Rule) *strings.Replacer {
	type pair struct{ origin, prefix string }

	seen := make(map[string]bool, len(rules))
	pairs := make([]pair, 0, len(rules))
	for _, rule := range rules {
		origin := rule.Origin.String()
		if seen[origin] {
			continue
		}
		seen[origin] = true
		pairs = append(pairs, pair{origin, rule.Prefix})
	}
	slices.SortStableFunc(pairs, func(a, b pair) int {
		return cmp.Compare(len(b.origin), len(a.origin))
	})

	oldnew := make([]string, 0, 2*len(pairs))
	for _, p := range pairs {
		oldnew = append(oldnew, p.origin, p.prefix)
	}
	return strings.NewReplacer(oldnew...)
}

// MaxBodyBytes is the largest body, encoded or decoded, the rewriter accepts.
func (rw *Rewriter) MaxBodyBytes() int64 {
	return rw.maxBytes
}

// Rewritable reports whether a Content-Type value names textual-rewritable content.
func Rewritable(contentType string) bool {
	mt, _ := model.ParseContentType(contentType)
	return rewritableTypes[mt]
}

// Decode undoes the response's Content-Encoding within the rewriter's size limit.
func (rw *Rewriter) Decode(body []byte, contentEncoding string) ([]byte, error) {
	out, err := Decode(body, contentEncoding, rw.maxBytes)
	if err != nil {
		return nil, &Error{Op: "decode", MediaType: contentEncoding, Err: err}
	}
	return out, nil
}

// RewriteOrigins replaces upstream origins in s with their proxy prefixes.
func (rw *Rewriter) RewriteOrigins(s string) string {
	return rw.origins.Replace(s)
}

// Rewrite transforms an identity-encoded body of the given Content-Type and
// returns UTF-8 output. Bodies that are not textual-rewritable are returned
// unchanged.
func (rw *Rewriter) Rewrite(body []byte, contentType string) ([]byte, error) {
	mt, cs := model.ParseContentType(contentType)
	if !rewritableTypes[mt] {
		return body, nil
	}

	text, err := toUTF8(body, contentType, cs)
	if err != nil {
		return nil, &Error{Op: "charset", MediaType: mt, Err: err}
	}

	if mt != "text/html" {
		text = rw.origins.Replace(text)
		if rw.markAssets {
			text = MarkWords(text, rw.marker)
		}
		return []byte(text), nil
	}

	text = scriptBlock.ReplaceAllString(text, "")
	text = rw.origins.Replace(text)

	out, err := rw.markHTML(text)
	if err != nil {
		return nil, &Error{Op: "parse", MediaType: mt, Err: err}
	}
	return out, nil
}

// toUTF8 decodes body from its declared or sniffed charset.
func toUTF8(body []byte, contentType, declared string) (string, error) {
	if declared == "" && utf8.Valid(body) {
		return string(body), nil
	}
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" {
		return string(body), nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	return string(out), nil
}

// markHTML parses text, marks every eligible text node and serializes the tree.
// Bodies without a document tag are handled as body fragments so no
// html/head/body wrappers are added.
func (rw *Rewriter) markHTML(text string) ([]byte, error) {
	root, fragment, err := parseHTML(text)
	if err != nil {
		return nil, err
	}

	doc := goquery.NewDocumentFromNode(root)
	// Snapshot first, edit after: the tree is not mutated while it is walked.
	nodes := doc.Find("*").AddSelection(doc.Selection).Contents().Nodes

	marked := 0
	for _, n := range nodes {
		if n.Type != html.TextNode || n.Parent == nil || rawTextParents[n.Parent.DataAtom] {
			continue
		}
		if data := MarkWords(n.Data, rw.marker); data != n.Data {
			n.Data = data
			marked++
		}
	}
	rw.logger.Debug("marked text nodes", "nodes", len(nodes), "changed", marked)

	var buf bytes.Buffer
	buf.Grow(len(text) + len(text)/8)
	if !fragment {
		if err := html.Render(&buf, root); err != nil {
			return nil, fmt.Errorf("render document: %w", err)
		}
		return buf.Bytes(), nil
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return nil, fmt.Errorf("render fragment: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func parseHTML(text string) (root *html.Node, fragment bool, err error) {
	if documentTag.MatchString(text) {
		root, err = html.Parse(strings.NewReader(text))
		if err != nil {
			return nil, false, fmt.Errorf("parse document: %w", err)
		}
		return root, false, nil
	}

	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	children, err := html.ParseFragment(strings.NewReader(text), body)
	if err != nil {
		return nil, true, fmt.Errorf("parse fragment: %w", err)
	}
	for _, c := range children {
		body.AppendChild(c)
	}
	return body, true, nil
}
