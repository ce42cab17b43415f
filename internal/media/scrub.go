// Package media removes embedded metadata from image attachments.
package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
)

// StripMetadata re-encodes images to remove EXIF, GPS, and other metadata.
// Content types other than JPEG and PNG are returned unchanged.
func StripMetadata(data []byte, contentType string) ([]byte, error) {
	switch contentType {
	case "image/jpeg":
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding jpeg: %w", err)
		}
		return encode(img, contentType)
	case "image/png":
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding png: %w", err)
		}
		return encode(img, contentType)
	default:
		return data, nil
	}
}

// ScrubFile rewrites the JPEG or PNG at path without its metadata and reports
// whether it did. Other files are left untouched. On error the original file
// is kept as is.
func ScrubFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}

	ct := http.DetectContentType(data[:min(len(data), 512)])
	if ct != "image/jpeg" && ct != "image/png" {
		return false, nil
	}

	out, err := StripMetadata(data, ct)
	if err != nil {
		return false, err
	}

	// write next to the original and swap, so a failed write never truncates it
	tmp, err := os.CreateTemp(filepath.Dir(path), ".scrub-*")
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(tmp, bytes.NewReader(out)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return false, err
	}
	return true, nil
}

func encode(img image.Image, contentType string) ([]byte, error) {
	var buf bytes.Buffer
	if contentType == "image/jpeg" {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}); err != nil {
			return nil, fmt.Errorf("encoding jpeg: %w", err)
		}
		return buf.Bytes(), nil
	}
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}
