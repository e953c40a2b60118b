// Package recordstore is the record store collaborator: selection listing,
// record metadata, payload listing and retrieval, text parts, and (when the
// host supports it) payload deletion.
package recordstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrPayloadNotFound = errors.New("payload not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrReadOnly        = errors.New("store is read-only")
)

// DeletedContentType marks a placeholder the host leaves behind for a
// payload that has already been removed.
const DeletedContentType = "text/x-moz-deleted"

type Selection struct {
	IDs    []string `json:"ids,omitempty"`
	All    bool     `json:"all,omitempty"`
	Folder string   `json:"folder,omitempty"`
}

type Page struct {
	IDs        []string `json:"ids"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

// TimestampCandidates carries the raw inputs for a record's canonical
// timestamp. Date may be a time.Time, an epoch number, or a string.
type TimestampCandidates struct {
	ReceivedHeader string `json:"receivedHeader,omitempty"`
	Date           any    `json:"date,omitempty"`
}

type Metadata struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Author    string              `json:"author,omitempty"`
	Timestamp TimestampCandidates `json:"timestamp"`
}

type Payload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// Identity is what survives a host renumbering siblings after a deletion.
type Identity struct {
	Name        string
	Size        int64
	ContentType string
}

func (p Payload) Identity() Identity {
	return Identity{Name: p.Name, Size: p.Size, ContentType: p.ContentType}
}

type TextPart struct {
	ContentType string `json:"contentType" yaml:"contentType"`
	Content     string `json:"content" yaml:"content"`
}

type ContentNode struct {
	ContentType string         `json:"contentType" yaml:"contentType"`
	Body        string         `json:"body,omitempty" yaml:"body"`
	Parts       []*ContentNode `json:"parts,omitempty" yaml:"parts"`
}

// Blob is a fetched payload. Each Open returns an independent reader.
type Blob struct {
	Name        string
	ContentType string
	data        []byte
}

func NewBlob(name, contentType string, data []byte) *Blob {
	return &Blob{Name: name, ContentType: contentType, data: data}
}

func (b *Blob) Open() (io.ReadCloser, error) {
	if b == nil {
		return nil, ErrPayloadNotFound
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b *Blob) Size() int64 { return int64(len(b.data)) }

type Store interface {
	ListSelected(ctx context.Context, sel Selection, cursor string) (Page, error)
	GetMetadata(ctx context.Context, recordID string) (Metadata, error)
	ListPayloads(ctx context.Context, recordID string) ([]Payload, error)
	GetPayloadBlob(ctx context.Context, recordID, payloadID string) (*Blob, error)
	ListTextParts(ctx context.Context, recordID string) ([]TextPart, error)
	GetContentTree(ctx context.Context, recordID string) (*ContentNode, error)
	Close() error
}

// PayloadDeleter is implemented by stores whose host can remove payloads.
type PayloadDeleter interface {
	DeleteMany(ctx context.Context, recordID string, payloadIDs []string) error
}

type HTMLConverter interface {
	ConvertToPlainText(ctx context.Context, html string) (string, error)
}

// PartName is the host-assigned id of the i-th live payload of a record.
func PartName(i int) string {
	return fmt.Sprintf("1.%d", i+2)
}

// CompareIDs orders hierarchical payload ids ("1.10" after "1.9").
func CompareIDs(a, b string) int {
	pa := strings.Split(a, ".")
	pb := strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		default:
			if c := strings.Compare(pa[i], pb[i]); c != 0 {
				return c
			}
		}
	}
	switch {
	case len(pa) < len(pb):
		return -1
	case len(pa) > len(pb):
		return 1
	}
	return 0
}

// ReadOnly hides any deletion capability of s.
func ReadOnly(s Store) Store {
	return readOnlyStore{Store: s}
}

type readOnlyStore struct {
	Store
}
