package exif

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestExtract_NoExif(t *testing.T) {
	d, err := Extract(strings.NewReader("definitely not a jpeg"))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if d.Orientation != 1 || d.Make != "" {
		t.Errorf("unexpected data %+v", d)
	}
	if len(d.Fields()) != 0 {
		t.Errorf("Fields = %v, want empty", d.Fields())
	}
}

func TestExtract_Empty(t *testing.T) {
	if _, err := Extract(bytes.NewReader(nil)); err != nil {
		t.Fatalf("Extract: %v", err)
	}
}

func TestFields(t *testing.T) {
	taken := time.Date(2023, 1, 1, 10, 0, 0, 0, time.UTC)
	lat, lon := 35.6895, 139.6917
	d := &Data{
		Make:         "RICOH IMAGING COMPANY, LTD.",
		Model:        "GR II",
		FocalLength:  18.3,
		Aperture:     2.8,
		ShutterSpeed: "1/250",
		ISO:          200,
		DateTaken:    &taken,
		Latitude:     &lat,
		Longitude:    &lon,
		Orientation:  6,
		Width:        4928,
		Height:       3264,
	}

	f := d.Fields()
	want := map[string]string{
		"make":         "RICOH IMAGING COMPANY, LTD.",
		"model":        "GR II",
		"focal_length": "18.3",
		"aperture":     "2.8",
		"shutter":      "1/250",
		"iso":          "200",
		"date":         "2023-01-01T10:00:00Z",
		"gps":          "35.689500,139.691700",
		"orientation":  "6",
		"dimensions":   "4928x3264",
	}
	for k, v := range want {
		if f[k] != v {
			t.Errorf("Fields[%q] = %q, want %q", k, f[k], v)
		}
	}
	if _, ok := f["flash"]; ok {
		t.Error("flash should be omitted when it did not fire")
	}
}
