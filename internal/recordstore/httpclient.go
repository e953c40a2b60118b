package recordstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agentworkforce/prunebox/internal/httpx"
)

// HTTPStore talks to a remote host exposing records over JSON.
type HTTPStore struct {
	client *httpx.Client
}

func NewHTTPStore(baseURL, token string, httpClient *http.Client) *HTTPStore {
	return &HTTPStore{client: httpx.New(baseURL, token, httpClient)}
}

func recordPath(recordID string, rest string) string {
	return "/v1/records/" + url.PathEscape(recordID) + rest
}

func mapNotFound(err error, sentinel error, what string) error {
	if httpx.StatusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %s", sentinel, what)
	}
	return err
}

func (s *HTTPStore) ListSelected(ctx context.Context, sel Selection, cursor string) (Page, error) {
	body := map[string]any{"selection": sel}
	if cursor != "" {
		body["cursor"] = cursor
	}
	var out Page
	err := s.client.DoJSON(ctx, http.MethodPost, "/v1/selection", nil, body, &out)
	return out, err
}

func (s *HTTPStore) GetMetadata(ctx context.Context, recordID string) (Metadata, error) {
	var out Metadata
	err := s.client.DoJSON(ctx, http.MethodGet, recordPath(recordID, ""), nil, nil, &out)
	return out, mapNotFound(err, ErrNotFound, recordID)
}

func (s *HTTPStore) ListPayloads(ctx context.Context, recordID string) ([]Payload, error) {
	var out struct {
		Payloads []Payload `json:"payloads"`
	}
	err := s.client.DoJSON(ctx, http.MethodGet, recordPath(recordID, "/payloads"), nil, nil, &out)
	return out.Payloads, mapNotFound(err, ErrNotFound, recordID)
}

func (s *HTTPStore) GetPayloadBlob(ctx context.Context, recordID, payloadID string) (*Blob, error) {
	var out struct {
		Name        string `json:"name"`
		ContentType string `json:"contentType"`
		Data        []byte `json:"data"`
	}
	err := s.client.DoJSON(ctx, http.MethodGet, recordPath(recordID, "/payloads/"+url.PathEscape(payloadID)), nil, nil, &out)
	if err != nil {
		return nil, mapNotFound(err, ErrPayloadNotFound, recordID+"/"+payloadID)
	}
	return NewBlob(out.Name, out.ContentType, out.Data), nil
}

func (s *HTTPStore) ListTextParts(ctx context.Context, recordID string) ([]TextPart, error) {
	var out struct {
		Parts []TextPart `json:"parts"`
	}
	err := s.client.DoJSON(ctx, http.MethodGet, recordPath(recordID, "/text-parts"), nil, nil, &out)
	return out.Parts, mapNotFound(err, ErrNotFound, recordID)
}

func (s *HTTPStore) GetContentTree(ctx context.Context, recordID string) (*ContentNode, error) {
	var out ContentNode
	err := s.client.DoJSON(ctx, http.MethodGet, recordPath(recordID, "/tree"), nil, nil, &out)
	if err != nil {
		return nil, mapNotFound(err, ErrNotFound, recordID)
	}
	return &out, nil
}

func (s *HTTPStore) DeleteMany(ctx context.Context, recordID string, payloadIDs []string) error {
	body := map[string]any{"ids": payloadIDs}
	err := s.client.DoJSON(ctx, http.MethodPost, recordPath(recordID, "/payloads/delete"), nil, body, nil)
	return mapNotFound(err, ErrPayloadNotFound, recordID)
}

func (s *HTTPStore) Close() error { return nil }
