// Package catalog holds the static table of attributes the index supports:
// each attribute's hierarchy level, its key classification, and the matching
// semantics its value representation calls for. Every other engine component
// consults this table; it is immutable after init.
package catalog

import (
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Level is a position in the Patient→Study→Series→Image hierarchy.
type Level int

const (
	LevelPatient Level = iota
	LevelStudy
	LevelSeries
	LevelImage
)

// String returns the DICOM Query/Retrieve Level value for the level.
func (l Level) String() string {
	switch l {
	case LevelPatient:
		return "PATIENT"
	case LevelStudy:
		return "STUDY"
	case LevelSeries:
		return "SERIES"
	case LevelImage:
		return "IMAGE"
	}
	return "UNKNOWN"
}

// ParseLevel maps a Query/Retrieve Level string to a Level. The second return
// is false for unknown values. "INSTANCE" is accepted as a synonym for IMAGE
// since some peers send it.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "PATIENT":
		return LevelPatient, true
	case "STUDY":
		return LevelStudy, true
	case "SERIES":
		return LevelSeries, true
	case "IMAGE", "INSTANCE":
		return LevelImage, true
	}
	return 0, false
}

// KeyClass classifies an attribute's role at its level.
type KeyClass int

const (
	// KeyUnique identifies a node at its level (the UID-type keys).
	KeyUnique KeyClass = iota
	// KeyRequired must be supported for matching at the level.
	KeyRequired
	// KeyOptional may be matched when present.
	KeyOptional
)

// MatchKind selects the matching semantics for an attribute's value
// representation.
type MatchKind int

const (
	// MatchUID compares unique identifiers: exact equality or a
	// backslash-separated list of alternatives.
	MatchUID MatchKind = iota
	// MatchDate supports single value, range (lo-hi) and list matching.
	MatchDate
	// MatchTime supports single value, range and list matching.
	MatchTime
	// MatchString supports wildcard (* and ?) and list matching with
	// character-set aware comparison.
	MatchString
	// MatchNumeric compares integer string values numerically.
	MatchNumeric
)

// Attribute is one row of the catalog.
type Attribute struct {
	Tag   tag.Tag
	Level Level
	Class KeyClass
	Kind  MatchKind
}

// Table lists every attribute the index can store and match, in catalog
// order. The order is also the field order of the on-disk record codec.
var Table = []Attribute{
	{tag.PatientName, LevelPatient, KeyRequired, MatchString},
	{tag.PatientID, LevelPatient, KeyUnique, MatchString},
	{tag.PatientBirthDate, LevelPatient, KeyOptional, MatchDate},
	{tag.PatientSex, LevelPatient, KeyOptional, MatchString},

	{tag.StudyInstanceUID, LevelStudy, KeyUnique, MatchUID},
	{tag.StudyDate, LevelStudy, KeyRequired, MatchDate},
	{tag.StudyTime, LevelStudy, KeyRequired, MatchTime},
	{tag.AccessionNumber, LevelStudy, KeyRequired, MatchString},
	{tag.StudyDescription, LevelStudy, KeyOptional, MatchString},

	{tag.SeriesInstanceUID, LevelSeries, KeyUnique, MatchUID},
	{tag.Modality, LevelSeries, KeyRequired, MatchString},
	{tag.SeriesNumber, LevelSeries, KeyRequired, MatchNumeric},

	{tag.SOPInstanceUID, LevelImage, KeyUnique, MatchUID},
	{tag.SOPClassUID, LevelImage, KeyOptional, MatchUID},
	{tag.InstanceNumber, LevelImage, KeyRequired, MatchNumeric},
	{tag.ImageComments, LevelImage, KeyOptional, MatchString},
}

var byTag = func() map[tag.Tag]Attribute {
	m := make(map[tag.Tag]Attribute, len(Table))
	for _, a := range Table {
		m[a.Tag] = a
	}
	return m
}()

var uniqueByLevel = func() map[Level]Attribute {
	m := make(map[Level]Attribute, 4)
	for _, a := range Table {
		if a.Class == KeyUnique {
			m[a.Level] = a
		}
	}
	return m
}()

// Lookup returns the catalog row for a tag. The second return is false for
// attributes the index does not support; callers drop those silently.
func Lookup(t tag.Tag) (Attribute, bool) {
	a, ok := byTag[t]
	return a, ok
}

// UniqueKey returns the unique-key attribute for a hierarchy level.
func UniqueKey(l Level) Attribute {
	return uniqueByLevel[l]
}

// Information model UIDs understood by the engine.
const (
	PatientRootFindUID = "1.2.840.10008.5.1.4.1.2.1.1"
	PatientRootMoveUID = "1.2.840.10008.5.1.4.1.2.1.2"
	StudyRootFindUID   = "1.2.840.10008.5.1.4.1.2.2.1"
	StudyRootMoveUID   = "1.2.840.10008.5.1.4.1.2.2.2"
)

// RootLevel maps an information model UID to the root level of the model.
// The second return is false for unsupported models.
func RootLevel(modelUID string) (Level, bool) {
	switch modelUID {
	case PatientRootFindUID, PatientRootMoveUID:
		return LevelPatient, true
	case StudyRootFindUID, StudyRootMoveUID:
		return LevelStudy, true
	}
	return 0, false
}
