package match

import (
	"errors"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/models"
)

func studyRecord(patientName, studyUID string) *models.InstanceRecord {
	return &models.InstanceRecord{
		PatientName:       patientName,
		PatientID:         "P1",
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: "1.2.3." + studyUID,
		SOPInstanceUID:    "1.2.3.4." + studyUID,
	}
}

func key(t tag.Tag, value string) QueryKey {
	attr, ok := catalog.Lookup(t)
	if !ok {
		panic("unknown catalog tag in test")
	}
	return QueryKey{Attr: attr, Value: value}
}

func TestCompareHierarchyStudyLevelWildcard(t *testing.T) {
	q := &Query{
		Keys:  []QueryKey{key(tag.PatientName, "SMITH*")},
		Level: catalog.LevelStudy,
		Root:  catalog.LevelStudy,
	}
	conv := NewConverter()

	ok, err := CompareHierarchy(studyRecord("SMITH", "1.1"), q, conv)
	if err != nil || !ok {
		t.Errorf("SMITH should match SMITH*: ok=%v err=%v", ok, err)
	}
	ok, err = CompareHierarchy(studyRecord("SMYTHE", "1.2"), q, conv)
	if err != nil || ok {
		t.Errorf("SMYTHE should not match SMITH*: ok=%v err=%v", ok, err)
	}
}

func TestCompareHierarchyUpperLevelEquality(t *testing.T) {
	q := &Query{
		Keys: []QueryKey{
			key(tag.StudyInstanceUID, "1.1"),
			key(tag.Modality, ""),
		},
		Level: catalog.LevelSeries,
		Root:  catalog.LevelStudy,
	}
	conv := NewConverter()

	ok, err := CompareHierarchy(studyRecord("A", "1.1"), q, conv)
	if err != nil || !ok {
		t.Errorf("record in study 1.1 should match: ok=%v err=%v", ok, err)
	}
	ok, err = CompareHierarchy(studyRecord("A", "1.2"), q, conv)
	if err != nil || ok {
		t.Errorf("record in study 1.2 should not match: ok=%v err=%v", ok, err)
	}
}

func TestCompareHierarchyMissingUniqueKey(t *testing.T) {
	q := &Query{
		Keys:  []QueryKey{key(tag.Modality, "CT")},
		Level: catalog.LevelSeries,
		Root:  catalog.LevelStudy,
	}
	_, err := CompareHierarchy(studyRecord("A", "1.1"), q, NewConverter())
	if !errors.Is(err, ErrMissingUniqueKey) {
		t.Fatalf("expected ErrMissingUniqueKey, got %v", err)
	}
}

func TestCompareHierarchyUniqueValueTrimmed(t *testing.T) {
	rec := studyRecord("A", "1.1 ")
	q := &Query{
		Keys: []QueryKey{
			key(tag.StudyInstanceUID, " 1.1"),
			key(tag.SeriesInstanceUID, ""),
		},
		Level: catalog.LevelSeries,
		Root:  catalog.LevelStudy,
	}
	ok, err := CompareHierarchy(rec, q, NewConverter())
	if err != nil || !ok {
		t.Errorf("padded UIDs should still compare equal: ok=%v err=%v", ok, err)
	}
}

func TestTupleKeyDistinguishesLevels(t *testing.T) {
	q := &Query{Level: catalog.LevelSeries, Root: catalog.LevelStudy}
	a := studyRecord("A", "1.1")
	b := studyRecord("A", "1.1")
	if TupleKey(a, q) != TupleKey(b, q) {
		t.Error("instances of one series should share a tuple key")
	}
	b.SeriesInstanceUID = "other"
	if TupleKey(a, q) == TupleKey(b, q) {
		t.Error("different series should produce different tuple keys")
	}
}
