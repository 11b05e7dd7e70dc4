// Package media validates uploads, stores their bytes in object storage and
// their metadata in Postgres.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"success/api/internal/store"
	"success/api/internal/util"
)

var (
	ErrTooLarge        = errors.New("file exceeds the upload limit")
	ErrUnsupportedType = errors.New("file type is not allowed")
	ErrEmptyFile       = errors.New("file is empty")
	ErrNotFound        = errors.New("media not found")
)

// AllowedTypes maps each accepted MIME type to the extension used for its
// object key.
var AllowedTypes = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"image/svg+xml":   ".svg",
	"video/mp4":       ".mp4",
	"application/pdf": ".pdf",
}

type Store interface {
	InsertMedia(ctx context.Context, item store.Media) error
	GetMedia(ctx context.Context, id string) (store.Media, error)
	ListMedia(ctx context.Context, mimePrefix string, limit, offset int) ([]store.Media, error)
	UpdateMedia(ctx context.Context, id, alt, caption string) (bool, error)
	DeleteMedia(ctx context.Context, id string) (bool, error)
}

type Service struct {
	store    Store
	blobs    BlobStore
	maxBytes int64
	now      func() time.Time
}

func NewService(store Store, blobs BlobStore, maxBytes int64) *Service {
	return &Service{store: store, blobs: blobs, maxBytes: maxBytes, now: time.Now}
}

func (s *Service) MaxBytes() int64 {
	return s.maxBytes
}

type Upload struct {
	Filename   string
	Body       io.Reader
	Size       int64
	Alt        string
	Caption    string
	UploadedBy string
}

// Upload sniffs the content type, enforces the size limit and stores the file
// under media/<yyyy>/<mm>/<id><ext>.
func (s *Service) Upload(ctx context.Context, in Upload) (store.Media, error) {
	if in.Size > s.maxBytes {
		return store.Media{}, ErrTooLarge
	}

	reader := bufio.NewReaderSize(in.Body, 512)
	head, err := reader.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return store.Media{}, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return store.Media{}, ErrEmptyFile
	}

	mimeType := DetectType(in.Filename, head)
	ext, ok := AllowedTypes[mimeType]
	if !ok {
		return store.Media{}, ErrUnsupportedType
	}

	// The declared size can lie; buffer up to the limit plus one byte so an
	// oversized body is caught before anything is stored.
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(reader, s.maxBytes+1))
	if err != nil {
		return store.Media{}, fmt.Errorf("read upload: %w", err)
	}
	if n > s.maxBytes {
		return store.Media{}, ErrTooLarge
	}

	id := util.NewID("med")
	now := s.now().UTC()
	key := fmt.Sprintf("media/%04d/%02d/%s%s", now.Year(), int(now.Month()), id, ext)

	item := store.Media{
		ID:         id,
		Filename:   cleanFilename(in.Filename, ext),
		ObjectKey:  key,
		MimeType:   mimeType,
		SizeBytes:  n,
		URL:        s.blobs.URL(key),
		Alt:        strings.TrimSpace(in.Alt),
		Caption:    strings.TrimSpace(in.Caption),
		UploadedBy: in.UploadedBy,
	}
	if w, h, ok := imageSize(mimeType, buf.Bytes()); ok {
		item.Width, item.Height = &w, &h
	}

	if err := s.blobs.Put(ctx, key, bytes.NewReader(buf.Bytes()), n, mimeType); err != nil {
		return store.Media{}, err
	}
	if err := s.store.InsertMedia(ctx, item); err != nil {
		_ = s.blobs.Remove(ctx, key)
		return store.Media{}, err
	}
	item.CreatedAt = now
	return item, nil
}

func (s *Service) List(ctx context.Context, mimePrefix string, limit, offset int) ([]store.Media, error) {
	return s.store.ListMedia(ctx, mimePrefix, limit, offset)
}

func (s *Service) Get(ctx context.Context, id string) (store.Media, error) {
	item, err := s.store.GetMedia(ctx, id)
	if store.IsNotFound(err) {
		return store.Media{}, ErrNotFound
	}
	return item, err
}

func (s *Service) Update(ctx context.Context, id, alt, caption string) (store.Media, error) {
	ok, err := s.store.UpdateMedia(ctx, id, strings.TrimSpace(alt), strings.TrimSpace(caption))
	if err != nil {
		return store.Media{}, err
	}
	if !ok {
		return store.Media{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// Delete removes the metadata row first so a failed blob removal leaves an
// orphaned object rather than a dangling row.
func (s *Service) Delete(ctx context.Context, id string) error {
	item, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.store.DeleteMedia(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return s.blobs.Remove(ctx, item.ObjectKey)
}

// DetectType sniffs content and falls back to the file extension for
// formats the sniffer reports as generic text or XML.
func DetectType(filename string, head []byte) string {
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(head))
	switch sniffed {
	case "text/xml", "text/plain":
		if strings.EqualFold(filepath.Ext(filename), ".svg") && bytes.Contains(head, []byte("<svg")) {
			return "image/svg+xml"
		}
	case "application/octet-stream":
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
			if parsed, _, err := mime.ParseMediaType(byExt); err == nil {
				if _, ok := AllowedTypes[parsed]; ok && parsed != "image/svg+xml" {
					return parsed
				}
			}
		}
	}
	return sniffed
}

func imageSize(mimeType string, data []byte) (int, int, bool) {
	switch mimeType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		return 0, 0, false
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

func cleanFilename(name, ext string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || strings.TrimSpace(base) == "" {
		return "upload" + ext
	}
	return base
}
