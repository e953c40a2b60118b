package prune

import (
	"context"
	"log/slog"
	"strings"

	"github.com/agentworkforce/prunebox/internal/recordstore"
)

// Extractor is one strategy for turning a record into plain text. An empty
// result without error means "not applicable here".
type Extractor interface {
	Name() string
	Extract(ctx context.Context, recordID string) (string, error)
}

// DefaultExtractors returns the chain: inline plain text, inline HTML,
// then a walk of the content tree.
func DefaultExtractors(store recordstore.Store, conv recordstore.HTMLConverter) []Extractor {
	return []Extractor{
		inlinePartExtractor{store: store, kind: "text/plain"},
		inlinePartExtractor{store: store, kind: "text/html", conv: conv},
		contentTreeExtractor{store: store, conv: conv},
	}
}

// ExtractText runs the chain and returns the first non-empty result, or ""
// when every strategy came up empty.
func ExtractText(ctx context.Context, chain []Extractor, recordID string, logger *slog.Logger) string {
	for _, ex := range chain {
		text, err := ex.Extract(ctx, recordID)
		if err != nil {
			logger.Debug("text extraction strategy failed", "record", recordID, "strategy", ex.Name(), "error", err)
			continue
		}
		if text != "" {
			return text
		}
	}
	return ""
}

func hasType(contentType, kind string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), kind)
}

func htmlToText(ctx context.Context, conv recordstore.HTMLConverter, doc string) (string, error) {
	if conv == nil {
		return recordstore.StripTags(doc), nil
	}
	return conv.ConvertToPlainText(ctx, doc)
}

type inlinePartExtractor struct {
	store recordstore.Store
	kind  string
	conv  recordstore.HTMLConverter
}

func (e inlinePartExtractor) Name() string { return "inline " + e.kind }

func (e inlinePartExtractor) Extract(ctx context.Context, recordID string) (string, error) {
	parts, err := e.store.ListTextParts(ctx, recordID)
	if err != nil {
		return "", err
	}
	for _, p := range parts {
		if !hasType(p.ContentType, e.kind) || p.Content == "" {
			continue
		}
		if e.kind == "text/html" {
			return htmlToText(ctx, e.conv, p.Content)
		}
		return p.Content, nil
	}
	return "", nil
}

type contentTreeExtractor struct {
	store recordstore.Store
	conv  recordstore.HTMLConverter
}

func (e contentTreeExtractor) Name() string { return "content tree" }

// Extract walks the tree breadth-first and prefers the first plain-text
// leaf over the first HTML leaf.
func (e contentTreeExtractor) Extract(ctx context.Context, recordID string) (string, error) {
	root, err := e.store.GetContentTree(ctx, recordID)
	if err != nil || root == nil {
		return "", err
	}
	var firstHTML string
	queue := []*recordstore.ContentNode{root}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node == nil {
			continue
		}
		switch {
		case hasType(node.ContentType, "text/plain") && node.Body != "":
			return node.Body, nil
		case hasType(node.ContentType, "text/html") && node.Body != "" && firstHTML == "":
			firstHTML = node.Body
		}
		queue = append(queue, node.Parts...)
	}
	if firstHTML == "" {
		return "", nil
	}
	return htmlToText(ctx, e.conv, firstHTML)
}
