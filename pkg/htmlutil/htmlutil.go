package htmlutil

import (
	"bytes"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer)
		child = child.NextSibling
	}
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) || unicode.IsSpace(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// CleanText removes non-printable characters (including &nbsp; padding
// the portal puts in empty cells), trims and collapses inner whitespace.
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = removeNonPrintable(s)
	s = strings.TrimSpace(s)
	return innerWhitespace.ReplaceAllString(s, " ")
}

// SelectionText is CleanText over the text of every node in the selection.
func SelectionText(sel *goquery.Selection) string {
	var buffer bytes.Buffer
	for _, n := range sel.Nodes {
		getTextRecursive(n, &buffer)
	}
	return CleanText(buffer.String())
}

// ParseDocument parses a complete html document.
func ParseDocument(markup string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(markup))
}

var leadingTag = regexp.MustCompile(`^\s*<([a-zA-Z][a-zA-Z0-9]*)`)

// fragmentContext picks the element a fragment would legally appear in, table
// parts are dropped by the parser when parsed in a body context.
func fragmentContext(markup string) string {
	m := leadingTag.FindStringSubmatch(markup)
	if m == nil {
		return "body"
	}
	switch strings.ToLower(m[1]) {
	case "td", "th":
		return "tr"
	case "tr":
		return "tbody"
	case "tbody", "thead", "tfoot", "caption", "colgroup":
		return "table"
	case "col":
		return "colgroup"
	default:
		return "body"
	}
}

// ParseFragment parses an html fragment (usually an element's outer html)
// into a goquery document whose root holds the fragment's top level nodes.
func ParseFragment(markup string) (*goquery.Document, error) {
	tag := fragmentContext(markup)
	context := &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), context)
	if err != nil {
		return nil, err
	}
	root := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return goquery.NewDocumentFromNode(root), nil
}
