package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"grokchat/pkg/domain"
	"grokchat/pkg/storage"
)

const defaultMaxBytes = 2 << 20

// ErrTooLarge is returned for stored files above the resolver limit.
var ErrTooLarge = errors.New("attachment too large")

// Resolver turns attachments into prompt text.
type Resolver struct {
	objects  storage.ObjectStore
	maxBytes int64
}

// NewResolver builds a resolver. objects may be nil, in which case only
// inline attachments resolve.
func NewResolver(objects storage.ObjectStore, maxBytes int64) *Resolver {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Resolver{objects: objects, maxBytes: maxBytes}
}

// Text extracts the plain text of one attachment. StorageKey must live under
// namespace so a message cannot pull files from another project.
func (r *Resolver) Text(ctx context.Context, namespace string, att domain.Attachment) (string, error) {
	if att.Content != "" {
		return normalizeText(att.Content), nil
	}
	key := strings.TrimSpace(att.StorageKey)
	if key == "" {
		return "", nil
	}
	if r.objects == nil {
		return "", fmt.Errorf("object storage not configured")
	}
	if namespace == "" || !strings.HasPrefix(key, namespace) || strings.Contains(key, "..") {
		return "", fmt.Errorf("attachment key %q outside %q", key, namespace)
	}
	rc, err := r.objects.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("get attachment: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read attachment: %w", err)
	}
	if int64(len(data)) > r.maxBytes {
		return "", ErrTooLarge
	}
	return extract(kindOf(att), data)
}

// Expand appends resolved attachment text to content, one labelled block per
// attachment. Attachments that fail to resolve are reported in errs and skipped.
func (r *Resolver) Expand(ctx context.Context, namespace, content string, atts []domain.Attachment) (string, []error) {
	if len(atts) == 0 {
		return content, nil
	}
	var b strings.Builder
	b.WriteString(content)
	var errs []error
	for _, att := range atts {
		text, err := r.Text(ctx, namespace, att)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", att.Name, err))
			continue
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n[Attachment: %s]\n%s", att.Name, text)
	}
	return b.String(), errs
}

func kindOf(att domain.Attachment) string {
	ct := strings.ToLower(strings.TrimSpace(att.ContentType))
	if ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			ct = parsed
		}
	}
	switch {
	case ct == "application/pdf":
		return "pdf"
	case ct == "text/html" || ct == "application/xhtml+xml":
		return "html"
	}
	switch strings.ToLower(filepath.Ext(att.Name)) {
	case ".pdf":
		return "pdf"
	case ".html", ".htm", ".xhtml":
		return "html"
	}
	return "text"
}

func extract(kind string, data []byte) (string, error) {
	switch kind {
	case "pdf":
		reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return "", fmt.Errorf("open pdf: %w", err)
		}
		plain, err := reader.GetPlainText()
		if err != nil {
			return "", fmt.Errorf("extract pdf text: %w", err)
		}
		raw, err := io.ReadAll(plain)
		if err != nil {
			return "", fmt.Errorf("read pdf text: %w", err)
		}
		return normalizeText(string(raw)), nil
	case "html":
		doc, err := html.Parse(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("parse html: %w", err)
		}
		return normalizeText(extractText(doc)), nil
	}
	return normalizeText(string(data)), nil
}

func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	return strings.Join(strings.Fields(text), " ")
}

func extractText(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			buf.WriteString(node.Data)
			buf.WriteString(" ")
		}
		if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style" || node.Data == "head") {
			return
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return buf.String()
}
