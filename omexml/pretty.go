package omexml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Pretty re-indents an XML document with two-space indentation, preserving
// namespace prefixes verbatim. It is used for the `<stem>_metadata.xml`
// sidecar files, where vendor OME-XML arrives as one long line.
func Pretty(doc string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(doc))
	var out bytes.Buffer

	depth := 0
	var pending *xml.StartElement

	flushPending := func(selfClose bool) {
		if pending == nil {
			return
		}
		writeIndent(&out, depth)
		writeStart(&out, pending, selfClose)
		if !selfClose {
			depth++
		}
		pending = nil
	}

	for {
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("omexml: pretty: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			flushPending(false)
			c := t.Copy()
			pending = &c
		case xml.EndElement:
			if pending != nil {
				// Empty element: collapse to a self-closing tag.
				flushPending(true)
				continue
			}
			depth--
			writeIndent(&out, depth)
			out.WriteByte('<')
			out.WriteByte('/')
			writeName(&out, t.Name)
			out.WriteByte('>')
		case xml.CharData:
			text := bytes.TrimSpace(t)
			if len(text) == 0 {
				continue
			}
			flushPending(false)
			writeIndent(&out, depth)
			xml.EscapeText(&out, text)
		case xml.Comment:
			flushPending(false)
			writeIndent(&out, depth)
			out.WriteString("<!--")
			out.Write(t)
			out.WriteString("-->")
		case xml.ProcInst:
			flushPending(false)
			if out.Len() > 0 {
				writeIndent(&out, depth)
			}
			fmt.Fprintf(&out, "<?%s %s?>", t.Target, t.Inst)
		case xml.Directive:
			flushPending(false)
			writeIndent(&out, depth)
			out.WriteString("<!")
			out.Write(t)
			out.WriteByte('>')
		}
	}
	flushPending(true)

	if depth != 0 {
		return "", fmt.Errorf("omexml: pretty: unbalanced document (depth %d at end)", depth)
	}
	out.WriteByte('\n')
	return out.String(), nil
}

func writeIndent(out *bytes.Buffer, depth int) {
	if out.Len() > 0 {
		out.WriteByte('\n')
	}
	for i := 0; i < depth; i++ {
		out.WriteString("  ")
	}
}

func writeStart(out *bytes.Buffer, se *xml.StartElement, selfClose bool) {
	out.WriteByte('<')
	writeName(out, se.Name)
	for _, a := range se.Attr {
		out.WriteByte(' ')
		writeName(out, a.Name)
		out.WriteString(`="`)
		xml.EscapeText(out, []byte(a.Value))
		out.WriteByte('"')
	}
	if selfClose {
		out.WriteByte('/')
	}
	out.WriteByte('>')
}

// writeName renders a raw-token name. RawToken keeps namespace prefixes in
// Name.Space rather than resolving them.
func writeName(out *bytes.Buffer, n xml.Name) {
	if n.Space != "" {
		out.WriteString(n.Space)
		out.WriteByte(':')
	}
	out.WriteString(n.Local)
}
