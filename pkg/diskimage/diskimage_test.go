package diskimage

import (
	"errors"
	"testing"
	"time"

	"github.com/shellvault/shellvault/pkg/models"
)

func validImage() *models.DiskImage {
	return &models.DiskImage{
		FormatVersion: models.DiskImageFormatVersion,
		Name:          "work",
		CreatedAt:     time.Now(),
		ExportedAt:    time.Now(),
		Session: models.DiskImageSession{
			Env:     map[string]string{"PATH": "/usr/bin"},
			Aliases: map[string]string{"ll": "ls -l"},
		},
		Files: map[string]models.DiskImageFile{
			"/etc":      {Kind: models.KindDirectory},
			"/etc/motd": {Kind: models.KindFile, Content: "welcome"},
		},
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Format
	}{
		{name: "json object", data: `{"name": "x"}`, want: FormatJSON},
		{name: "json array", data: `[1]`, want: FormatJSON},
		{name: "json with leading whitespace", data: "\n\t {\"a\":1}", want: FormatJSON},
		{name: "yaml document marker", data: "---\nname: x\n", want: FormatYAML},
		{name: "yaml comment", data: "# exported image\nname: x\n", want: FormatYAML},
		{name: "yaml key", data: "formatVersion: 1\nname: x\n", want: FormatYAML},
		{name: "empty", data: "", want: FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectFormat([]byte(tt.data)); got != tt.want {
				t.Errorf("DetectFormat = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRoundtripBothFormats(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatYAML} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Encode(validImage(), format)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			img, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if img.Name != "work" {
				t.Errorf("Name = %q", img.Name)
			}
			if img.Files["/etc/motd"].Content != "welcome" {
				t.Errorf("file content lost: %+v", img.Files)
			}
			if img.Session.Aliases["ll"] != "ls -l" {
				t.Errorf("aliases lost: %+v", img.Session)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("{not json")); !errors.Is(err, ErrDecode) {
		t.Errorf("Decode garbage = %v, want ErrDecode", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.DiskImage)
	}{
		{name: "wrong format version", mutate: func(i *models.DiskImage) { i.FormatVersion = 99 }},
		{name: "missing name", mutate: func(i *models.DiskImage) { i.Name = "" }},
		{name: "relative path", mutate: func(i *models.DiskImage) {
			i.Files["etc/motd"] = models.DiskImageFile{Kind: models.KindFile}
		}},
		{name: "unknown kind", mutate: func(i *models.DiskImage) {
			i.Files["/x"] = models.DiskImageFile{Kind: "socket"}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := validImage()
			tt.mutate(img)
			if err := Validate(img); !errors.Is(err, ErrDecode) {
				t.Errorf("Validate = %v, want ErrDecode", err)
			}
		})
	}

	if err := Validate(validImage()); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
	if err := Validate(nil); !errors.Is(err, ErrDecode) {
		t.Errorf("Validate(nil) = %v, want ErrDecode", err)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	img := validImage()
	img.Name = ""
	if _, err := Encode(img, FormatJSON); !errors.Is(err, ErrDecode) {
		t.Errorf("Encode invalid = %v, want ErrDecode", err)
	}
}
