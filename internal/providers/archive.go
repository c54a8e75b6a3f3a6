package providers

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"sublarr/internal/errkind"
	"sublarr/internal/subtitle"
)

// DefaultMaxArchiveBytes caps decompressed payloads against archive bombs.
const DefaultMaxArchiveBytes = 10 << 20

var (
	zipMagic  = []byte{0x50, 0x4b, 0x03, 0x04}
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	rarMagic  = []byte("Rar!")
)

// ExtractSubtitlePayload unwraps a provider download into a bare subtitle
// file. Zip archives must contain exactly one subtitle entry; gzip and xz
// wrap a single file by construction. Decompression is capped at maxBytes.
func ExtractSubtitlePayload(data []byte, maxBytes int64) ([]byte, string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxArchiveBytes
	}
	switch {
	case bytes.HasPrefix(data, zipMagic):
		return extractZip(data, maxBytes)
	case bytes.HasPrefix(data, gzipMagic):
		body, err := decompress(func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		}, data, maxBytes)
		if err != nil {
			return nil, "", err
		}
		return validateSubtitleBody(body, "")
	case bytes.HasPrefix(data, xzMagic):
		body, err := decompress(func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		}, data, maxBytes)
		if err != nil {
			return nil, "", err
		}
		return validateSubtitleBody(body, "")
	case bytes.HasPrefix(data, rarMagic):
		return nil, "", errkind.New(errkind.KindProviderFormat, "rar archives are not supported")
	default:
		if int64(len(data)) > maxBytes {
			return nil, "", errkind.New(errkind.KindArchiveSuspicious, "subtitle payload exceeds size cap")
		}
		return validateSubtitleBody(data, "")
	}
}

func decompress(open func(io.Reader) (io.Reader, error), data []byte, maxBytes int64) ([]byte, error) {
	reader, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindProviderFormat, "open compressed payload", err)
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindProviderFormat, "decompress payload", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, errkind.New(errkind.KindArchiveSuspicious, "decompressed payload exceeds size cap")
	}
	return body, nil
}

func extractZip(data []byte, maxBytes int64) ([]byte, string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", errkind.Wrap(errkind.KindProviderFormat, "open zip archive", err)
	}
	var entries []*zip.File
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if isSubtitleName(f.Name) {
			entries = append(entries, f)
		}
	}
	switch len(entries) {
	case 0:
		return nil, "", errkind.New(errkind.KindArchiveSuspicious, "archive contains no subtitle entry")
	case 1:
	default:
		return nil, "", errkind.Newf(errkind.KindArchiveSuspicious,
			"archive contains %d subtitle entries, cannot pick one", len(entries))
	}
	entry := entries[0]
	if entry.UncompressedSize64 > uint64(maxBytes) {
		return nil, "", errkind.New(errkind.KindArchiveSuspicious, "archive entry exceeds size cap")
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, "", errkind.Wrap(errkind.KindProviderFormat, "open zip entry", err)
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return nil, "", errkind.Wrap(errkind.KindProviderFormat, "read zip entry", err)
	}
	if int64(len(body)) > maxBytes {
		// Declared size lied.
		return nil, "", errkind.New(errkind.KindArchiveSuspicious, "archive entry exceeds size cap")
	}
	return validateSubtitleBody(body, filepath.Base(entry.Name))
}

func isSubtitleName(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ass", ".ssa", ".srt", ".vtt":
		return true
	}
	return false
}

// validateSubtitleBody confirms the payload looks like a subtitle file.
func validateSubtitleBody(body []byte, name string) ([]byte, string, error) {
	if subtitle.SniffFormat(body) == subtitle.FormatUnknown {
		if name == "" || subtitle.FormatFromPath(name) == subtitle.FormatUnknown {
			return nil, "", errkind.New(errkind.KindProviderFormat, "payload is not a recognizable subtitle file")
		}
	}
	return body, name, nil
}
