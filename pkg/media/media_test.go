package media

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waforge/waforge/pkg/session"
)

func staticDownload(data []byte) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) { return data, nil }
}

func TestExtractDeclaredMimetypeWins(t *testing.T) {
	ref := &session.MediaRef{
		Kind:     "audio",
		Mimetype: "audio/ogg; codecs=opus",
		Filename: "note.ogg",
		Download: staticDownload([]byte{0x4f, 0x67, 0x67, 0x53}),
	}

	payload, err := Extract(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg; codecs=opus", payload.Mimetype)
	assert.Equal(t, "note.ogg", payload.Filename)

	decoded, err := base64.StdEncoding.DecodeString(payload.Base64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x4f, 0x67, 0x67, 0x53}, decoded)
}

func TestExtractSniffsUndeclaredType(t *testing.T) {
	// PNG magic bytes
	data := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0}
	ref := &session.MediaRef{Kind: "image", Download: staticDownload(data)}

	payload, err := Extract(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "image/png", payload.Mimetype)
}

func TestExtractErrors(t *testing.T) {
	_, err := Extract(context.Background(), nil)
	assert.Error(t, err)

	_, err = Extract(context.Background(), &session.MediaRef{Kind: "image"})
	assert.Error(t, err)

	_, err = Extract(context.Background(), &session.MediaRef{
		Kind: "image",
		Download: func(context.Context) ([]byte, error) {
			return nil, errors.New("stream reset")
		},
	})
	assert.ErrorContains(t, err, "stream reset")

	_, err = Extract(context.Background(), &session.MediaRef{
		Kind:     "image",
		Download: staticDownload(nil),
	})
	assert.ErrorContains(t, err, "empty")
}
