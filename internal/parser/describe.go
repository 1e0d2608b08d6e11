package parser

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/docker/go-units"
	"github.com/emersion/go-message"
)

// maxDescribeDepth bounds recursion on pathological nesting.
const maxDescribeDepth = 8

// Describe renders the MIME tree of a raw mail, one part per line, for
// debug logging. It never fails; unreadable sections are reported inline.
func Describe(raw []byte) string {
	var b strings.Builder

	msg, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		fmt.Fprintf(&b, "<unreadable: %v>\n", err)
		return b.String()
	}

	describeEntity(&b, msg, 0)
	return b.String()
}

func describeEntity(b *strings.Builder, e *message.Entity, depth int) {
	indent := strings.Repeat("  ", depth)
	mediaType := mediaTypeOf(e.Header)

	mr := e.MultipartReader()
	if mr == nil {
		n, err := io.Copy(io.Discard, e.Body)
		if err != nil {
			fmt.Fprintf(b, "%s%s <read error: %v>\n", indent, mediaType, err)
			return
		}
		fmt.Fprintf(b, "%s%s (%s)\n", indent, mediaType, units.HumanSize(float64(n)))
		return
	}

	fmt.Fprintf(b, "%s%s\n", indent, mediaType)
	if depth >= maxDescribeDepth {
		fmt.Fprintf(b, "%s  ...\n", indent)
		return
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil && !message.IsUnknownCharset(err) {
			fmt.Fprintf(b, "%s  <part error: %v>\n", indent, err)
			return
		}
		describeEntity(b, p, depth+1)
	}
}
