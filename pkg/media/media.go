// Package media buffers inbound binary attachments into base64 payloads for
// webhook delivery.
package media

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/pkg/errors"

	"github.com/waforge/waforge/pkg/session"
)

const fallbackMimetype = "application/octet-stream"

// Payload is a fully buffered, encoded attachment.
type Payload struct {
	Base64   string `json:"base64"`
	Mimetype string `json:"mimeType"`
	Filename string `json:"fileName,omitempty"`
}

// Extract downloads the attachment and produces its encoded payload. The
// declared media type wins; undeclared content is sniffed and falls back to a
// generic binary type.
func Extract(ctx context.Context, ref *session.MediaRef) (*Payload, error) {
	if ref == nil || ref.Download == nil {
		return nil, errors.New("no downloadable media")
	}

	data, err := ref.Download(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "downloading media")
	}
	if len(data) == 0 {
		return nil, errors.New("media stream was empty")
	}

	mimetype := ref.Mimetype
	if mimetype == "" {
		mimetype = http.DetectContentType(data)
	}
	if mimetype == "" {
		mimetype = fallbackMimetype
	}

	return &Payload{
		Base64:   base64.StdEncoding.EncodeToString(data),
		Mimetype: mimetype,
		Filename: ref.Filename,
	}, nil
}
