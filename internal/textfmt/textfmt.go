// ABOUTME: Flattens markdown replies to plain text with goldmark and splits them into device-sized chunks
// ABOUTME: Formatter implements host.TextFormatter

package textfmt

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"github.com/2389/wap-gateway/internal/host"
)

// DefaultLimit is the chunk size in characters when none is configured.
const DefaultLimit = 4000

// Options configures a Formatter.
type Options struct {
	// Limit is the maximum chunk length in characters. Zero means DefaultLimit.
	Limit int
	// PlainText flattens markdown before chunking.
	PlainText bool
}

// Formatter prepares reply text for WeChat, which renders no markdown.
type Formatter struct {
	limit int
	plain bool
	md    goldmark.Markdown
}

var _ host.TextFormatter = (*Formatter)(nil)

// New creates a Formatter.
func New(opts Options) *Formatter {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Formatter{
		limit: limit,
		plain: opts.PlainText,
		md: goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
		),
	}
}

// Chunks returns the text as one or more non-empty chunks of at most the
// configured length. Blank input yields no chunks.
func (f *Formatter) Chunks(s string) []string {
	if f.plain {
		s = f.PlainText(s)
	}
	return Split(s, f.limit)
}

// PlainText renders markdown source as plain text. Emphasis markers are
// dropped, links keep their destination, list items keep a bullet or number.
func (f *Formatter) PlainText(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	source := []byte(src)
	doc := f.md.Parser().Parse(text.NewReader(source))

	r := &plainRenderer{source: source}
	r.blocks(doc, "")
	return strings.TrimSpace(r.buf.String())
}

type plainRenderer struct {
	source []byte
	buf    bytes.Buffer
}

// blocks renders the block children of n, separated by blank lines. prefix
// is written at the start of every line (used for blockquotes).
func (r *plainRenderer) blocks(n ast.Node, prefix string) {
	first := true
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if !first {
			r.buf.WriteString("\n")
			if _, inItem := n.(*ast.ListItem); !inItem {
				r.buf.WriteString(prefix + "\n")
			}
		}
		first = false
		r.block(c, prefix)
	}
}

func (r *plainRenderer) block(n ast.Node, prefix string) {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
		r.buf.WriteString(prefix)
		r.inlines(n, prefix)
	case *ast.ThematicBreak:
		r.buf.WriteString(prefix + "----")
	case *ast.FencedCodeBlock:
		r.lines(n.Lines(), prefix)
	case *ast.CodeBlock:
		r.lines(n.Lines(), prefix)
	case *ast.HTMLBlock:
		r.lines(n.Lines(), prefix)
	case *ast.Blockquote:
		r.blocks(n, prefix+"> ")
	case *ast.List:
		r.list(n, prefix)
	default:
		r.blocks(n, prefix)
	}
}

func (r *plainRenderer) list(l *ast.List, prefix string) {
	num := l.Start
	if num == 0 {
		num = 1
	}
	first := true
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		if !first {
			r.buf.WriteString("\n")
		}
		first = false

		marker := "- "
		if l.IsOrdered() {
			marker = strconv.Itoa(num) + ". "
			num++
		}
		r.buf.WriteString(prefix + marker)

		// The first block of an item shares the marker line.
		sub := &plainRenderer{source: r.source}
		sub.blocks(item, "")
		lines := strings.Split(strings.TrimRight(sub.buf.String(), "\n"), "\n")
		indent := strings.Repeat(" ", len(marker))
		for i, line := range lines {
			if i > 0 {
				r.buf.WriteString("\n" + prefix + indent)
			}
			r.buf.WriteString(line)
		}
	}
}

func (r *plainRenderer) lines(segs *text.Segments, prefix string) {
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		line := strings.TrimRight(string(seg.Value(r.source)), "\n")
		if i > 0 {
			r.buf.WriteString("\n")
		}
		r.buf.WriteString(prefix + line)
	}
}

func (r *plainRenderer) inlines(n ast.Node, prefix string) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *ast.Text:
			r.buf.Write(c.Segment.Value(r.source))
			if c.SoftLineBreak() || c.HardLineBreak() {
				r.buf.WriteString("\n" + prefix)
			}
		case *ast.String:
			r.buf.Write(c.Value)
		case *ast.AutoLink:
			r.buf.Write(c.URL(r.source))
		case *ast.Link:
			start := r.buf.Len()
			r.inlines(c, prefix)
			label := r.buf.String()[start:]
			dest := string(c.Destination)
			if dest != "" && label != dest {
				r.buf.WriteString(" (" + dest + ")")
			}
		case *ast.RawHTML:
			// dropped
		default:
			r.inlines(c, prefix)
		}
	}
}

// Split breaks s into chunks of at most limit characters, preferring
// paragraph breaks, then line breaks, then spaces. Chunks are trimmed and
// blank chunks are skipped.
func Split(s string, limit int) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var chunks []string
	for s != "" {
		if utf8.RuneCountInString(s) <= limit {
			chunks = append(chunks, s)
			break
		}

		window := prefixRunes(s, limit)
		cut := lastBreak(window)
		head := strings.TrimSpace(s[:cut])
		if head != "" {
			chunks = append(chunks, head)
		}
		s = strings.TrimSpace(s[cut:])
	}
	return chunks
}

// prefixRunes returns the longest prefix of s holding at most n runes.
func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// lastBreak picks the byte offset to cut window at.
func lastBreak(window string) int {
	half := len(window) / 2
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > 0 && i >= half {
			return i
		}
	}
	return len(window)
}
