package storage

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// The event memory API occasionally returns blob payloads not as JSON but as
// a Python-dict-like text form, e.g.
//
//	{_type=line, text={"type":"message","content":...}}
//	{_type=line, data={role=assistant, content=[{text=hi}]}}
//
// decodeBlobText recovers the payload document from such a string:
//
//  1. strict JSON parse, used directly when it succeeds;
//  2. the `text=` wrapper, whose inner payload is already a JSON string;
//  3. the `data=` wrapper, whose inner payload is converted from the
//     Python-dict form and validated by reparsing; conversion failure passes
//     the raw string through untouched.
func decodeBlobText(raw string) map[string]any {
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err == nil {
		return doc
	}

	if m := reTextWrapper.FindStringSubmatch(raw); m != nil {
		return map[string]any{"_type": "line", "text": m[1]}
	}

	if m := reDataWrapper.FindStringSubmatch(raw); m != nil {
		if converted, ok := pyDictToJSON(m[1]); ok {
			return map[string]any{"_type": "line", "text": converted}
		}
		return map[string]any{"_type": "line", "text": m[1]}
	}

	return nil
}

var (
	reTextWrapper = regexp.MustCompile(`^\{_type=line, text=(.*)\}$`)
	reDataWrapper = regexp.MustCompile(`^\{_type=line, data=(.*)\}$`)
)

// pyDictToJSON converts Python-dict-like text ({key=value, ...} with
// unquoted keys and bare scalar values) to JSON. Inputs not starting with
// '{' or '[' are rejected. The converted string is validated by reparsing.
//
// A naive replace("'", "\"") is deliberately avoided: it corrupts
// apostrophes inside string values.
func pyDictToJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return "", false
	}
	var b strings.Builder
	p := &pyParser{src: s}
	if !p.value(&b) {
		return "", false
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return "", false
	}
	out := b.String()
	if !json.Valid([]byte(out)) {
		return "", false
	}
	return out, true
}

type pyParser struct {
	src string
	pos int
}

func (p *pyParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t' || p.src[p.pos] == '\n') {
		p.pos++
	}
}

func (p *pyParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *pyParser) value(b *strings.Builder) bool {
	p.skipSpace()
	switch p.peek() {
	case '{':
		return p.object(b)
	case '[':
		return p.array(b)
	case '"', '\'':
		return p.quoted(b)
	case 0:
		return false
	default:
		return p.scalar(b)
	}
}

// object parses {key=value, ...} (also tolerating quoted keys with ':').
func (p *pyParser) object(b *strings.Builder) bool {
	p.pos++ // '{'
	b.WriteByte('{')
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		b.WriteByte('}')
		return true
	}
	for {
		p.skipSpace()
		if !p.key(b) {
			return false
		}
		b.WriteByte(':')
		if !p.value(b) {
			return false
		}
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
			b.WriteByte(',')
		case '}':
			p.pos++
			b.WriteByte('}')
			return true
		default:
			return false
		}
	}
}

// key parses an unquoted key up to '=' (or a quoted key up to ':' / '=')
// and emits it as a JSON string.
func (p *pyParser) key(b *strings.Builder) bool {
	p.skipSpace()
	if c := p.peek(); c == '"' || c == '\'' {
		var kb strings.Builder
		if !p.quoted(&kb) {
			return false
		}
		p.skipSpace()
		if c := p.peek(); c != '=' && c != ':' {
			return false
		}
		p.pos++
		b.WriteString(kb.String())
		return true
	}
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '=' || c == ':' {
			key := strings.TrimSpace(p.src[start:p.pos])
			if key == "" {
				return false
			}
			p.pos++
			b.WriteString(strconv.Quote(key))
			return true
		}
		if c == ',' || c == '{' || c == '}' || c == '[' || c == ']' {
			return false
		}
		p.pos++
	}
	return false
}

func (p *pyParser) array(b *strings.Builder) bool {
	p.pos++ // '['
	b.WriteByte('[')
	p.skipSpace()
	if p.peek() == ']' {
		p.pos++
		b.WriteByte(']')
		return true
	}
	for {
		if !p.value(b) {
			return false
		}
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
			b.WriteByte(',')
		case ']':
			p.pos++
			b.WriteByte(']')
			return true
		default:
			return false
		}
	}
}

// quoted parses a single- or double-quoted string and emits a JSON string.
func (p *pyParser) quoted(b *strings.Builder) bool {
	quote := p.src[p.pos]
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '\\' && p.pos+1 < len(p.src) {
			sb.WriteByte(p.src[p.pos+1])
			p.pos += 2
			continue
		}
		if c == quote {
			p.pos++
			b.WriteString(strconv.Quote(sb.String()))
			return true
		}
		sb.WriteByte(c)
		p.pos++
	}
	return false
}

// scalar parses a bare token up to the next structural byte. Numbers,
// booleans, and null pass through; everything else is quoted.
func (p *pyParser) scalar(b *strings.Builder) bool {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == ',' || c == '}' || c == ']' {
			break
		}
		p.pos++
	}
	tok := strings.TrimSpace(p.src[start:p.pos])
	if tok == "" {
		return false
	}
	switch tok {
	case "true", "false", "null":
		b.WriteString(tok)
		return true
	case "True":
		b.WriteString("true")
		return true
	case "False":
		b.WriteString("false")
		return true
	case "None":
		b.WriteString("null")
		return true
	}
	if _, err := strconv.ParseFloat(tok, 64); err == nil {
		b.WriteString(tok)
		return true
	}
	b.WriteString(strconv.Quote(tok))
	return true
}

var (
	reEmbeddedTextDouble = regexp.MustCompile(`'text':\s*"((?:[^"\\]|\\.)*)"`)
	reEmbeddedTextSingle = regexp.MustCompile(`'text':\s*'((?:[^'\\]|\\.)*)'`)
)

// extractEmbeddedText pulls the quoted text value out of Python-dict text
// like {'role': 'assistant', 'content': [{'text': "Hello, I'm A"}]}. The
// precise regex keeps apostrophes inside the value intact.
func extractEmbeddedText(s string) (string, bool) {
	if m := reEmbeddedTextDouble.FindStringSubmatch(s); m != nil {
		return unescapeQuoted(m[1]), true
	}
	if m := reEmbeddedTextSingle.FindStringSubmatch(s); m != nil {
		return unescapeQuoted(m[1]), true
	}
	return "", false
}

func unescapeQuoted(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// SanitizeMessageContent repairs message content text that the event API
// reshaped into Python-dict form. Each content[*].text that starts with '{'
// and mentions 'text' has its embedded text extracted in place. The message
// is modified and returned for convenience.
func SanitizeMessageContent(message any) any {
	msg, ok := message.(map[string]any)
	if !ok {
		return message
	}
	content, ok := msg["content"].([]any)
	if !ok {
		return message
	}
	for _, item := range content {
		part, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text, ok := part["text"].(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(text)
		if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, "'text'") {
			continue
		}
		if extracted, ok := extractEmbeddedText(trimmed); ok {
			part["text"] = extracted
		}
	}
	return message
}
