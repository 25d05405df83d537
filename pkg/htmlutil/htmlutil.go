package htmlutil

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

func GetText(node *html.Node) string {
	var buffer bytes.Buffer
	getTextRecursive(node, &buffer, nil)
	return buffer.String()
}

func getTextRecursive(node *html.Node, buffer *bytes.Buffer, skip func(*html.Node) bool) {
	if node == nil {
		return
	}
	if node.Type == html.TextNode {
		buffer.WriteString(node.Data)
		return
	}
	if skip != nil && node.Type == html.ElementNode && skip(node) {
		return
	}
	child := node.FirstChild
	for child != nil {
		getTextRecursive(child, buffer, skip)
		child = child.NextSibling
	}
}

func attr(node *html.Node, key string) string {
	for _, a := range node.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Hidden reports whether an element is only there for screen readers or is
// styled away, the LMS sprinkles these inside table cells.
func Hidden(node *html.Node) bool {
	for _, class := range strings.Fields(attr(node, "class")) {
		if class == "hideoff" || class == "author_highlight" {
			return true
		}
	}
	return strings.Contains(attr(node, "style"), "display: none")
}

// TextContent returns the visible text of every node in the selection with
// whitespace collapsed to single spaces.
func TextContent(sel *goquery.Selection) string {
	var buffer bytes.Buffer
	for _, n := range sel.Nodes {
		getTextRecursive(n, &buffer, Hidden)
	}
	return strings.Join(strings.Fields(buffer.String()), " ")
}

var markdown = md.NewConverter("", true, nil)

// Markdown renders the contents of the selection as markdown, for rich text
// like submission texts and feedback.
func Markdown(sel *goquery.Selection) string {
	return strings.TrimSpace(markdown.Convert(sel))
}

// MarkdownString is Markdown for an html fragment.
func MarkdownString(fragment string) (string, error) {
	out, err := markdown.ConvertString(fragment)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// FormFieldValue returns the value an <input> or <textarea> would submit.
func FormFieldValue(sel *goquery.Selection) string {
	if goquery.NodeName(sel) == "textarea" {
		return sel.Text()
	}
	return sel.AttrOr("value", "")
}

type Anchor struct {
	Name string
	Url  *url.URL
}

var innerWhitespace = regexp.MustCompile(`\s\s+`)

func removeNonPrintable(s string) string {
	newStr := strings.Builder{}
	for _, c := range s {
		if unicode.IsPrint(c) {
			newStr.WriteRune(c)
		}
	}
	return newStr.String()
}

// GetAnchors resolves every href in the selection against base.
func GetAnchors(base *url.URL, sel *goquery.Selection) []Anchor {
	anchors := []Anchor{}
	for _, n := range sel.Nodes {
		link, err := base.Parse(attr(n, "href"))
		if err != nil {
			continue
		}

		name := GetText(n)
		name = removeNonPrintable(name)
		name = strings.Trim(name, " \t\n")
		name = innerWhitespace.ReplaceAllString(name, " ")

		anchors = append(anchors, Anchor{
			Name: name,
			Url:  link,
		})
	}
	return anchors
}
