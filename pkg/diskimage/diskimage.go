// Package diskimage encodes and decodes the portable DiskImage envelope
// in JSON or YAML, with auto-detection on decode. Structurally invalid
// or version-mismatched images are rejected before any write occurs.
package diskimage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shellvault/shellvault/pkg/models"
)

// ErrDecode marks a malformed or incompatible DiskImage payload.
var ErrDecode = errors.New("invalid disk image")

// Format names a serialized representation.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

var yamlKeyPattern = regexp.MustCompile(`^[A-Za-z_][\w.-]*\s*:`)

// DetectFormat guesses the serialization of raw image data: a leading
// '{' or '[' means JSON; a leading document marker, comment, or
// "key:" pattern means YAML; anything else defaults to JSON.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return FormatJSON
	}
	switch trimmed[0] {
	case '{', '[':
		return FormatJSON
	case '#':
		return FormatYAML
	}
	firstLine := string(trimmed)
	if i := strings.IndexByte(firstLine, '\n'); i >= 0 {
		firstLine = firstLine[:i]
	}
	if strings.HasPrefix(firstLine, "---") || yamlKeyPattern.MatchString(firstLine) {
		return FormatYAML
	}
	return FormatJSON
}

// Decode parses and validates raw image data in either format.
func Decode(data []byte) (*models.DiskImage, error) {
	var img models.DiskImage
	var err error
	switch DetectFormat(data) {
	case FormatYAML:
		err = yaml.Unmarshal(data, &img)
	default:
		err = json.Unmarshal(data, &img)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := Validate(&img); err != nil {
		return nil, err
	}
	return &img, nil
}

// Encode serializes an image in the requested format.
func Encode(img *models.DiskImage, format Format) ([]byte, error) {
	if err := Validate(img); err != nil {
		return nil, err
	}
	switch format {
	case FormatYAML:
		return yaml.Marshal(img)
	case FormatJSON, "":
		return json.MarshalIndent(img, "", "  ")
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrDecode, format)
	}
}

// Validate checks the structural contract of an image.
func Validate(img *models.DiskImage) error {
	if img == nil {
		return fmt.Errorf("%w: empty image", ErrDecode)
	}
	if img.FormatVersion != models.DiskImageFormatVersion {
		return fmt.Errorf("%w: format version %d, want %d",
			ErrDecode, img.FormatVersion, models.DiskImageFormatVersion)
	}
	if img.Name == "" {
		return fmt.Errorf("%w: missing name", ErrDecode)
	}
	for path, f := range img.Files {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("%w: file path %q is not absolute", ErrDecode, path)
		}
		switch f.Kind {
		case models.KindFile, models.KindDirectory:
		default:
			return fmt.Errorf("%w: file %s has unknown kind %q", ErrDecode, path, f.Kind)
		}
	}
	return nil
}
