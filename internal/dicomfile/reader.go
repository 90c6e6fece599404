// Package dicomfile extracts the index catalog attributes from DICOM Part 10
// files on disk.
package dicomfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/models"
)

// Reader parses DICOM files with the suyashkumar/dicom parser. The zero
// value is ready to use.
type Reader struct{}

// NewReader returns a DICOM file attribute reader.
func NewReader() *Reader {
	return &Reader{}
}

// ReadAttributes parses the object at path into an index record. Pixel data
// is skipped; only the catalog attributes and the specific character set are
// read. The record's FilePath, ImageSize and InsertTime are filled in by the
// caller.
func (r *Reader) ReadAttributes(path string) (*models.InstanceRecord, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	rec := &models.InstanceRecord{
		ImageSize: fi.Size(),
	}
	for _, a := range catalog.Table {
		rec.SetValue(a.Tag, elementString(&ds, a.Tag))
	}
	rec.SpecificCharacterSet = elementString(&ds, tag.SpecificCharacterSet)
	return rec, nil
}

// elementString renders an element value as the backslash-joined string form
// the index stores. Missing elements yield "".
func elementString(ds *dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil {
		return ""
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		return strings.TrimSpace(strings.Join(v, `\`))
	case []int:
		parts := make([]string, len(v))
		for i, n := range v {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, `\`)
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}
