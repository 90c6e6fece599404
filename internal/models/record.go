package models

import (
	"github.com/suyashkumar/dicom/pkg/tag"
)

// InstanceRecord is one slot of the index file: the queryable attributes of a
// single stored SOP instance plus the housekeeping fields the quota manager
// needs. A slot with an empty FilePath is free (tombstoned) and is skipped by
// every enumeration.
type InstanceRecord struct {
	// Patient level
	PatientName      string `json:"00100010"`
	PatientID        string `json:"00100020"`
	PatientBirthDate string `json:"00100030"`
	PatientSex       string `json:"00100040"`

	// Study level
	StudyInstanceUID string `json:"0020000D"`
	StudyDate        string `json:"00080020"`
	StudyTime        string `json:"00080030"`
	StudyDescription string `json:"00081030"`
	AccessionNumber  string `json:"00080050"`

	// Series level
	SeriesInstanceUID string `json:"0020000E"`
	SeriesNumber      string `json:"00200011"`
	Modality          string `json:"00080060"`

	// Image level
	SOPClassUID    string `json:"00080016"`
	SOPInstanceUID string `json:"00080018"`
	InstanceNumber string `json:"00200013"`
	ImageComments  string `json:"00204000"`

	// Encoding of the string attributes above, as stored in the object.
	SpecificCharacterSet string `json:"00080005"`

	// Housekeeping
	FilePath   string `json:"file_path"`
	ImageSize  int64  `json:"image_size"`
	InsertTime int64  `json:"insert_time"`
	Reviewed   bool   `json:"reviewed"`
}

// InUse reports whether the slot holds a live record.
func (r *InstanceRecord) InUse() bool {
	return r.FilePath != ""
}

// Value returns the record's value for a catalog attribute, or "" when the
// tag is not part of the index schema.
func (r *InstanceRecord) Value(t tag.Tag) string {
	switch t {
	case tag.PatientName:
		return r.PatientName
	case tag.PatientID:
		return r.PatientID
	case tag.PatientBirthDate:
		return r.PatientBirthDate
	case tag.PatientSex:
		return r.PatientSex
	case tag.StudyInstanceUID:
		return r.StudyInstanceUID
	case tag.StudyDate:
		return r.StudyDate
	case tag.StudyTime:
		return r.StudyTime
	case tag.StudyDescription:
		return r.StudyDescription
	case tag.AccessionNumber:
		return r.AccessionNumber
	case tag.SeriesInstanceUID:
		return r.SeriesInstanceUID
	case tag.SeriesNumber:
		return r.SeriesNumber
	case tag.Modality:
		return r.Modality
	case tag.SOPClassUID:
		return r.SOPClassUID
	case tag.SOPInstanceUID:
		return r.SOPInstanceUID
	case tag.InstanceNumber:
		return r.InstanceNumber
	case tag.ImageComments:
		return r.ImageComments
	case tag.SpecificCharacterSet:
		return r.SpecificCharacterSet
	}
	return ""
}

// SetValue assigns the record's value for a catalog attribute. Unknown tags
// are ignored, matching the catalog's silent-drop policy for unsupported
// attributes.
func (r *InstanceRecord) SetValue(t tag.Tag, v string) {
	switch t {
	case tag.PatientName:
		r.PatientName = v
	case tag.PatientID:
		r.PatientID = v
	case tag.PatientBirthDate:
		r.PatientBirthDate = v
	case tag.PatientSex:
		r.PatientSex = v
	case tag.StudyInstanceUID:
		r.StudyInstanceUID = v
	case tag.StudyDate:
		r.StudyDate = v
	case tag.StudyTime:
		r.StudyTime = v
	case tag.StudyDescription:
		r.StudyDescription = v
	case tag.AccessionNumber:
		r.AccessionNumber = v
	case tag.SeriesInstanceUID:
		r.SeriesInstanceUID = v
	case tag.SeriesNumber:
		r.SeriesNumber = v
	case tag.Modality:
		r.Modality = v
	case tag.SOPInstanceUID:
		r.SOPInstanceUID = v
	case tag.SOPClassUID:
		r.SOPClassUID = v
	case tag.InstanceNumber:
		r.InstanceNumber = v
	case tag.ImageComments:
		r.ImageComments = v
	case tag.SpecificCharacterSet:
		r.SpecificCharacterSet = v
	}
}

// StudyDescriptor is one entry of the fixed-capacity study table embedded in
// the index file. A descriptor with a zero instance count is free.
type StudyDescriptor struct {
	StudyInstanceUID string `json:"study_instance_uid"`
	Size             int64  `json:"size"`
	LastModified     int64  `json:"last_modified"`
	InstanceCount    uint32 `json:"instance_count"`
}

// InUse reports whether the descriptor slot is occupied.
func (d *StudyDescriptor) InUse() bool {
	return d.InstanceCount > 0
}

// MoveItem identifies one sub-operation of a retrieve: the instance to send
// and how many further items remain after it.
type MoveItem struct {
	SOPClassUID    string `json:"sop_class_uid"`
	SOPInstanceUID string `json:"sop_instance_uid"`
	FilePath       string `json:"file_path"`
	Remaining      int    `json:"remaining"`
}
