package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"
)

// Message is the parsed form of a raw RFC 5322 email.
type Message struct {
	MessageID string
	From      string
	To        []string
	Subject   string
	Headers   map[string]string
	Body      string
}

var keptHeaders = []string{"Message-Id", "Date", "From", "To", "Cc", "Subject", "Reply-To", "In-Reply-To"}

var decoder = &mime.WordDecoder{}

// ParseMessage reads a raw email. Text without a header block is taken as
// the body of an otherwise empty message.
func ParseMessage(raw string) (*Message, error) {
	raw = strings.TrimLeft(raw, "\r\n")
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty email")
	}
	msg, err := mail.ReadMessage(strings.NewReader(normalizeNewlines(raw)))
	if err != nil || (msg.Header.Get("From") == "" && msg.Header.Get("Subject") == "" && msg.Header.Get("To") == "") {
		return &Message{Headers: map[string]string{}, Body: strings.TrimSpace(raw)}, nil
	}

	m := &Message{Headers: make(map[string]string)}
	for _, k := range keptHeaders {
		if v := msg.Header.Get(k); v != "" {
			m.Headers[k] = decodeHeader(v)
		}
	}
	m.MessageID = strings.Trim(msg.Header.Get("Message-Id"), "<> ")
	m.Subject = decodeHeader(msg.Header.Get("Subject"))
	if from, err := msg.Header.AddressList("From"); err == nil && len(from) > 0 {
		m.From = strings.ToLower(from[0].Address)
	} else {
		m.From = decodeHeader(msg.Header.Get("From"))
	}
	if to, err := msg.Header.AddressList("To"); err == nil {
		for _, a := range to {
			m.To = append(m.To, strings.ToLower(a.Address))
		}
	}

	body, err := readBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	m.Body = strings.TrimSpace(strings.ReplaceAll(body, "\r\n", "\n"))
	return m, nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func decodeHeader(v string) string {
	if out, err := decoder.DecodeHeader(v); err == nil {
		return out
	}
	return v
}

// readBody returns the text of a (possibly multipart) body, preferring
// text/plain over text/html.
func readBody(contentType, encoding string, r io.Reader) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(r, params["boundary"])
		var plain, html string
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return "", err
			}
			text, err := readBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err != nil {
				return "", err
			}
			pt, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
			switch {
			case pt == "text/html" && html == "":
				html = text
			case plain == "" && (pt == "" || pt == "text/plain" || strings.HasPrefix(pt, "multipart/")):
				plain = text
			}
		}
		if plain != "" {
			return plain, nil
		}
		return html, nil
	}

	data, err := io.ReadAll(decodeTransfer(encoding, r))
	if err != nil {
		return "", err
	}
	text := string(data)
	if mediaType == "text/html" {
		text = stripHTML(text)
	}
	return text, nil
}

func decodeTransfer(encoding string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, newlineStripper{r})
	}
	return r
}

// newlineStripper drops CR and LF so wrapped base64 decodes.
type newlineStripper struct{ r io.Reader }

func (n newlineStripper) Read(p []byte) (int, error) {
	buf := make([]byte, len(p))
	read, err := n.r.Read(buf)
	out := bytes.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, buf[:read])
	copy(p, out)
	return len(out), err
}

var (
	tagRe   = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)
	spaceRe = regexp.MustCompile(`[ \t]+`)
	blankRe = regexp.MustCompile(`\n{3,}`)
)

func stripHTML(s string) string {
	s = strings.NewReplacer("<br>", "\n", "<br/>", "\n", "<br />", "\n", "</p>", "\n\n", "</div>", "\n").Replace(s)
	s = tagRe.ReplaceAllString(s, "")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)
	s = spaceRe.ReplaceAllString(s, " ")
	return blankRe.ReplaceAllString(s, "\n\n")
}
