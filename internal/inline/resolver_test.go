package inline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/shubhankar-shipowl/help-desk-sub001/internal/message"
	"github.com/shubhankar-shipowl/help-desk-sub001/internal/storage"
)

// fakeBlobStore records uploads and serves predictable URLs.
type fakeBlobStore struct {
	uploads   []fakeUpload
	uploadErr error
}

type fakeUpload struct {
	data     []byte
	filename string
	mimeType string
	ownerID  string
}

func (s *fakeBlobStore) Upload(_ context.Context, data []byte, filename, mimeType, ownerID string) (storage.Object, error) {
	if s.uploadErr != nil {
		return storage.Object{}, s.uploadErr
	}
	s.uploads = append(s.uploads, fakeUpload{data: data, filename: filename, mimeType: mimeType, ownerID: ownerID})
	handle := fmt.Sprintf("blob-%d", len(s.uploads))
	return storage.Object{Handle: handle, URL: "https://desk.example" + storage.URLPathPrefix + handle}, nil
}

func (s *fakeBlobStore) Download(context.Context, string) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeBlobStore) Delete(context.Context, string) error { return nil }

func TestRewriteNoMarkersUnchanged(t *testing.T) {
	blobs := &fakeBlobStore{}
	r := NewResolver(blobs, nil)

	html := `<p>Hello <a href="https://example.com">link</a></p>`
	res := r.Rewrite(context.Background(), html, "msg-1", nil)

	if res.HTML != html {
		t.Errorf("HTML changed: %q", res.HTML)
	}
	if len(res.Uploads) != 0 {
		t.Errorf("got %d uploads, want 0", len(res.Uploads))
	}
}

func TestRewriteDataURI(t *testing.T) {
	blobs := &fakeBlobStore{}
	r := NewResolver(blobs, nil)

	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	html := `<p>pic: <img src="data:image/png;base64,` + payload + `" alt="x"></p>`

	res := r.Rewrite(context.Background(), html, "msg-1", nil)

	if strings.Contains(res.HTML, "data:image") {
		t.Errorf("data URI survived rewrite: %q", res.HTML)
	}
	if !strings.Contains(res.HTML, storage.URLPathPrefix) {
		t.Errorf("rewritten HTML has no durable URL: %q", res.HTML)
	}
	if len(res.Uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(res.Uploads))
	}
	up := res.Uploads[0]
	if up.MimeType != "image/png" {
		t.Errorf("MimeType = %q", up.MimeType)
	}
	if up.Size != int64(len("png-bytes")) {
		t.Errorf("Size = %d", up.Size)
	}
	if string(blobs.uploads[0].data) != "png-bytes" {
		t.Errorf("uploaded bytes = %q", blobs.uploads[0].data)
	}
	if blobs.uploads[0].ownerID != "msg-1" {
		t.Errorf("ownerID = %q", blobs.uploads[0].ownerID)
	}
}

func TestRewriteCIDExactMatch(t *testing.T) {
	blobs := &fakeBlobStore{}
	r := NewResolver(blobs, nil)

	parts := []message.InlinePart{
		{CID: "flame@example.com", ContentType: "image/png", Filename: "flame.png", Data: []byte("img")},
	}
	html := `<img src="cid:flame@example.com"> and again <img src="cid:flame@example.com">`

	res := r.Rewrite(context.Background(), html, "msg-1", parts)

	if strings.Contains(res.HTML, "cid:") {
		t.Errorf("cid reference survived: %q", res.HTML)
	}
	if len(res.Uploads) != 1 {
		t.Fatalf("got %d uploads, want 1 (same part uploaded once)", len(res.Uploads))
	}
	if res.Uploads[0].Filename != "flame.png" {
		t.Errorf("Filename = %q", res.Uploads[0].Filename)
	}
	if got := strings.Count(res.HTML, res.Uploads[0].URL); got != 2 {
		t.Errorf("URL appears %d times, want 2", got)
	}
}

func TestRewriteCIDPositionalFallback(t *testing.T) {
	blobs := &fakeBlobStore{}
	r := NewResolver(blobs, nil)

	// The part carries no Content-ID; the HTML references an id that
	// matches nothing exactly.
	parts := []message.InlinePart{
		{ContentType: "image/jpeg", Data: []byte("jpg")},
	}
	html := `<img src="cid:missing-id">`

	res := r.Rewrite(context.Background(), html, "msg-1", parts)

	if strings.Contains(res.HTML, "cid:missing-id") {
		t.Errorf("fallback did not fire: %q", res.HTML)
	}
	if len(res.Uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(res.Uploads))
	}
	if res.Uploads[0].MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q", res.Uploads[0].MimeType)
	}
}

func TestRewriteCIDNoPartsLeavesReference(t *testing.T) {
	blobs := &fakeBlobStore{}
	r := NewResolver(blobs, nil)

	html := `<img src="cid:missing-id">`
	res := r.Rewrite(context.Background(), html, "msg-1", nil)

	if res.HTML != html {
		t.Errorf("HTML changed: %q", res.HTML)
	}
	if len(res.Uploads) != 0 {
		t.Errorf("got %d uploads, want 0", len(res.Uploads))
	}
}

func TestRewriteVideoTagWantsVideoPart(t *testing.T) {
	blobs := &fakeBlobStore{}
	r := NewResolver(blobs, nil)

	parts := []message.InlinePart{
		{ContentType: "image/png", Data: []byte("img")},
		{ContentType: "video/mp4", Data: []byte("vid")},
	}
	html := `<video src="cid:clip">`

	res := r.Rewrite(context.Background(), html, "msg-1", parts)

	if len(res.Uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(res.Uploads))
	}
	if res.Uploads[0].MimeType != "video/mp4" {
		t.Errorf("fallback picked %q, want video/mp4", res.Uploads[0].MimeType)
	}
}

func TestRewriteBothPassesDataURIFirst(t *testing.T) {
	blobs := &fakeBlobStore{}
	r := NewResolver(blobs, nil)

	payload := base64.StdEncoding.EncodeToString([]byte("embedded"))
	parts := []message.InlinePart{
		{CID: "pic", ContentType: "image/gif", Data: []byte("gif")},
	}
	html := `<img src="data:image/png;base64,` + payload + `"><img src="cid:pic">`

	res := r.Rewrite(context.Background(), html, "msg-1", parts)

	if strings.Contains(res.HTML, "data:image") || strings.Contains(res.HTML, "cid:") {
		t.Errorf("unrewritten content remains: %q", res.HTML)
	}
	if len(res.Uploads) != 2 {
		t.Fatalf("got %d uploads, want 2", len(res.Uploads))
	}
	// Data-URI pass runs first.
	if res.Uploads[0].MimeType != "image/png" || res.Uploads[1].MimeType != "image/gif" {
		t.Errorf("upload order = [%s %s]", res.Uploads[0].MimeType, res.Uploads[1].MimeType)
	}
}

func TestRewriteUploadFailureLeavesReference(t *testing.T) {
	blobs := &fakeBlobStore{uploadErr: errors.New("storage down")}
	r := NewResolver(blobs, nil)

	payload := base64.StdEncoding.EncodeToString([]byte("x"))
	html := `<img src="data:image/png;base64,` + payload + `">`

	res := r.Rewrite(context.Background(), html, "msg-1", nil)

	if res.HTML != html {
		t.Errorf("HTML changed despite failed upload: %q", res.HTML)
	}
	if len(res.Uploads) != 0 {
		t.Errorf("got %d uploads, want 0", len(res.Uploads))
	}
}

func TestRewriteBadBase64LeftInPlace(t *testing.T) {
	blobs := &fakeBlobStore{}
	r := NewResolver(blobs, nil)

	html := `<img src="data:image/png;base64,!!!not-base64!!!">`
	res := r.Rewrite(context.Background(), html, "msg-1", nil)

	if res.HTML != html {
		t.Errorf("HTML changed: %q", res.HTML)
	}
	if len(res.Uploads) != 0 {
		t.Errorf("got %d uploads, want 0", len(res.Uploads))
	}
}
