// Package exif extracts camera metadata from downloaded photos.
package exif

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

// Data holds the EXIF fields grfs exposes.
type Data struct {
	Make         string
	Model        string
	LensModel    string
	FocalLength  float32
	Aperture     float32
	ShutterSpeed string
	ISO          int
	Flash        bool
	DateTaken    *time.Time
	Latitude     *float64
	Longitude    *float64
	Orientation  int
	Width        int
	Height       int
}

// Extract reads EXIF data from a photo. A photo without EXIF yields an empty
// Data, not an error.
func Extract(r io.Reader) (*Data, error) {
	x, err := exif.Decode(r)
	if err != nil {
		return &Data{Orientation: 1}, nil
	}

	d := &Data{Orientation: 1}

	d.Make = getTagString(x, exif.Make)
	d.Model = getTagString(x, exif.Model)
	d.LensModel = getTagString(x, exif.LensModel)

	if fl, err := x.Get(exif.FocalLength); err == nil {
		if num, denom, err := fl.Rat2(0); err == nil && denom != 0 {
			d.FocalLength = float32(num) / float32(denom)
		}
	}

	if ap, err := x.Get(exif.FNumber); err == nil {
		if num, denom, err := ap.Rat2(0); err == nil && denom != 0 {
			d.Aperture = float32(num) / float32(denom)
		}
	}

	if ss, err := x.Get(exif.ExposureTime); err == nil {
		if num, denom, err := ss.Rat2(0); err == nil {
			if denom == 1 {
				d.ShutterSpeed = fmt.Sprintf("%ds", num)
			} else {
				d.ShutterSpeed = fmt.Sprintf("%d/%d", num, denom)
			}
		}
	}

	if iso, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if v, err := iso.Int(0); err == nil {
			d.ISO = v
		}
	}

	if flash, err := x.Get(exif.Flash); err == nil {
		if v, err := flash.Int(0); err == nil {
			d.Flash = v&1 == 1
		}
	}

	if dt, err := x.DateTime(); err == nil {
		d.DateTaken = &dt
	}

	if lat, lon, err := x.LatLong(); err == nil {
		if !math.IsNaN(lat) && !math.IsNaN(lon) {
			d.Latitude = &lat
			d.Longitude = &lon
		}
	}

	if orient, err := x.Get(exif.Orientation); err == nil {
		if v, err := orient.Int(0); err == nil && v >= 1 && v <= 8 {
			d.Orientation = v
		}
	}

	if pw, err := x.Get(exif.PixelXDimension); err == nil {
		if v, err := pw.Int(0); err == nil {
			d.Width = v
		}
	}
	if ph, err := x.Get(exif.PixelYDimension); err == nil {
		if v, err := ph.Int(0); err == nil {
			d.Height = v
		}
	}

	return d, nil
}

// Fields flattens the non-empty values into name/value pairs suitable for
// extended attributes.
func (d *Data) Fields() map[string]string {
	m := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	put("make", d.Make)
	put("model", d.Model)
	put("lens", d.LensModel)
	put("shutter", d.ShutterSpeed)
	if d.FocalLength > 0 {
		put("focal_length", strconv.FormatFloat(float64(d.FocalLength), 'f', -1, 32))
	}
	if d.Aperture > 0 {
		put("aperture", strconv.FormatFloat(float64(d.Aperture), 'f', -1, 32))
	}
	if d.ISO > 0 {
		put("iso", strconv.Itoa(d.ISO))
	}
	if d.Flash {
		put("flash", "true")
	}
	if d.DateTaken != nil {
		put("date", d.DateTaken.Format(time.RFC3339))
	}
	if d.Latitude != nil && d.Longitude != nil {
		put("gps", fmt.Sprintf("%.6f,%.6f", *d.Latitude, *d.Longitude))
	}
	if d.Width > 0 && d.Height > 0 {
		put("dimensions", fmt.Sprintf("%dx%d", d.Width, d.Height))
	}
	if d.Orientation != 1 {
		put("orientation", strconv.Itoa(d.Orientation))
	}
	return m
}

// getTagString extracts a string value from an EXIF tag.
func getTagString(x *exif.Exif, f exif.FieldName) string {
	tag, err := x.Get(f)
	if err != nil {
		return ""
	}
	if tag.Format() == tiff.StringVal {
		s, _ := tag.StringVal()
		return s
	}
	return tag.String()
}
