// Package store implements the on-disk index file: a fixed header, a
// fixed-capacity study-descriptor table, and a sequence of fixed-size
// instance-record slots, together with the whole-file advisory locking the
// engine relies on. All positional access goes through logical record
// indices; the store computes byte offsets and bounds-checks every seek.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openpacs/qrindex/internal/models"
)

const (
	// fileMagic identifies an index file. Bumping fileVersion invalidates
	// existing files; there is no migration path.
	fileMagic   = "QRIDX1"
	fileVersion = uint16(1)

	headerSize = 32

	// maxSaneFileSize guards seeks against record-size or version
	// mismatches that would otherwise produce absurd offsets.
	maxSaneFileSize = int64(1) << 33
)

// ErrEndOfRecords is returned by ReadInstance when the index is past the
// last record slot.
var ErrEndOfRecords = errors.New("end of records")

// Fixed field widths of the record codec, in catalog order. Changing any
// width invalidates existing index files.
type fieldDesc struct {
	tag   tag.Tag
	width int
}

var recordFields = []fieldDesc{
	{tag.PatientName, 64},
	{tag.PatientID, 64},
	{tag.PatientBirthDate, 10},
	{tag.PatientSex, 4},
	{tag.StudyInstanceUID, 64},
	{tag.StudyDate, 10},
	{tag.StudyTime, 16},
	{tag.AccessionNumber, 16},
	{tag.StudyDescription, 64},
	{tag.SeriesInstanceUID, 64},
	{tag.Modality, 16},
	{tag.SeriesNumber, 12},
	{tag.SOPInstanceUID, 64},
	{tag.SOPClassUID, 64},
	{tag.InstanceNumber, 12},
	{tag.ImageComments, 96},
	{tag.SpecificCharacterSet, 40},
}

const (
	filePathWidth = 256

	// ImageSize + InsertTime + flag byte with padding.
	housekeepingSize = 8 + 8 + 8
)

var recordSize = func() int {
	n := 0
	for _, f := range recordFields {
		n += f.width
	}
	return n + filePathWidth + housekeepingSize
}()

const studySlotSize = 64 + 8 + 8 + 4 + 4 // UID, size, last-modified, count, pad

// Store owns one index file. It is safe for concurrent use through the
// locking methods in lock.go; callers are expected to hold the appropriate
// guard around every read or write sequence.
type Store struct {
	f             *os.File
	path          string
	maxStudies    int
	maxStudyBytes int64
	lock          *fileLock
}

// Open opens or creates the index file at path. A new file gets its header
// and an empty study table written under the exclusive lock. An existing
// file must carry the expected magic, version, and study-table capacity;
// any mismatch is fatal, no migration is attempted.
func Open(path string, maxStudies int, maxStudyBytes int64) (*Store, error) {
	if maxStudies <= 0 {
		return nil, fmt.Errorf("invalid study table capacity %d", maxStudies)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}

	s := &Store{
		f:             f,
		path:          path,
		maxStudies:    maxStudies,
		maxStudyBytes: maxStudyBytes,
		lock:          &fileLock{fd: int(f.Fd())},
	}

	guard, err := s.LockExclusive()
	if err != nil {
		f.Close()
		return nil, err
	}
	defer guard.Release()

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat index file: %w", err)
	}

	if fi.Size() == 0 {
		if err := s.initialize(); err != nil {
			f.Close()
			return nil, err
		}
		log.Info().Str("path", path).Int("max_studies", maxStudies).Msg("Created index file")
		return s, nil
	}

	if err := s.validateHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying file. Any guards still held become invalid.
func (s *Store) Close() error {
	return s.f.Close()
}

// Path returns the index file path.
func (s *Store) Path() string {
	return s.path
}

// MaxStudies returns the study-table capacity the store was opened with.
func (s *Store) MaxStudies() int {
	return s.maxStudies
}

// MaxStudyBytes returns the per-study byte budget, 0 meaning unlimited.
func (s *Store) MaxStudyBytes() int64 {
	return s.maxStudyBytes
}

func (s *Store) initialize() error {
	buf := make([]byte, headerSize)
	copy(buf, fileMagic)
	binary.LittleEndian.PutUint16(buf[8:], fileVersion)
	binary.LittleEndian.PutUint32(buf[12:], uint32(s.maxStudies))
	binary.LittleEndian.PutUint64(buf[16:], uint64(s.maxStudyBytes))
	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("failed to write index header: %w", err)
	}
	empty := make([]byte, studySlotSize*s.maxStudies)
	if _, err := s.f.WriteAt(empty, headerSize); err != nil {
		return fmt.Errorf("failed to write study table: %w", err)
	}
	return nil
}

func (s *Store) validateHeader() error {
	buf := make([]byte, headerSize)
	if _, err := s.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("failed to read index header: %w", err)
	}
	if !bytes.Equal(buf[:len(fileMagic)], []byte(fileMagic)) {
		return fmt.Errorf("not an index file: bad magic in %s", s.path)
	}
	if v := binary.LittleEndian.Uint16(buf[8:]); v != fileVersion {
		return fmt.Errorf("unsupported index file version %d (want %d)", v, fileVersion)
	}
	if n := int(binary.LittleEndian.Uint32(buf[12:])); n != s.maxStudies {
		return fmt.Errorf("index file built for %d studies, configured for %d", n, s.maxStudies)
	}
	return nil
}

func (s *Store) recordsOffset() int64 {
	return int64(headerSize + studySlotSize*s.maxStudies)
}

// offset converts a record index to its byte offset, rejecting negative
// indices and offsets past the sanity bound.
func (s *Store) offset(index int) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("negative record index %d", index)
	}
	off := s.recordsOffset() + int64(index)*int64(recordSize)
	if off < 0 || off > maxSaneFileSize {
		log.Warn().Int("index", index).Int64("offset", off).Str("path", s.path).
			Msg("Record offset beyond sanity bound, refusing seek")
		return 0, fmt.Errorf("record offset %d beyond sanity bound", off)
	}
	return off, nil
}

// RecordCount returns the number of record slots, live or tombstoned,
// currently in the file.
func (s *Store) RecordCount() (int, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat index file: %w", err)
	}
	n := fi.Size() - s.recordsOffset()
	if n <= 0 {
		return 0, nil
	}
	return int(n / int64(recordSize)), nil
}

// ReadInstance reads the record at index. ErrEndOfRecords marks the end of
// the slot sequence; tombstoned slots are returned as records with an empty
// FilePath and are the caller's to skip.
func (s *Store) ReadInstance(index int) (*models.InstanceRecord, error) {
	off, err := s.offset(index)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, recordSize)
	if _, err := s.f.ReadAt(buf, off); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfRecords
		}
		return nil, fmt.Errorf("failed to read record %d: %w", index, err)
	}
	return decodeRecord(buf)
}

// WriteInstance writes the record at index, which must address an existing
// slot or the slot immediately past the last one.
func (s *Store) WriteInstance(index int, rec *models.InstanceRecord) error {
	off, err := s.offset(index)
	if err != nil {
		return err
	}
	buf, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := s.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("failed to write record %d: %w", index, err)
	}
	return nil
}

// Append writes rec into the first tombstoned slot, or into a new slot at
// the end of the file when every slot is live. It returns the record index
// used.
func (s *Store) Append(rec *models.InstanceRecord) (int, error) {
	count, err := s.RecordCount()
	if err != nil {
		return 0, err
	}
	for i := 0; i < count; i++ {
		existing, err := s.ReadInstance(i)
		if err != nil {
			return 0, err
		}
		if !existing.InUse() {
			return i, s.WriteInstance(i, rec)
		}
	}
	return count, s.WriteInstance(count, rec)
}

// Tombstone overwrites the slot at index with an empty record, marking it
// free for reuse. The file is never shrunk.
func (s *Store) Tombstone(index int) error {
	return s.WriteInstance(index, &models.InstanceRecord{})
}

// ReadStudyTable reads the whole study-descriptor table. The table is small
// and bounded, so it is always transferred in full.
func (s *Store) ReadStudyTable() ([]models.StudyDescriptor, error) {
	buf := make([]byte, studySlotSize*s.maxStudies)
	if _, err := s.f.ReadAt(buf, headerSize); err != nil {
		return nil, fmt.Errorf("failed to read study table: %w", err)
	}
	table := make([]models.StudyDescriptor, s.maxStudies)
	for i := range table {
		slot := buf[i*studySlotSize : (i+1)*studySlotSize]
		table[i] = models.StudyDescriptor{
			StudyInstanceUID: getString(slot[:64]),
			Size:             int64(binary.LittleEndian.Uint64(slot[64:])),
			LastModified:     int64(binary.LittleEndian.Uint64(slot[72:])),
			InstanceCount:    binary.LittleEndian.Uint32(slot[80:]),
		}
	}
	return table, nil
}

// WriteStudyTable writes the whole study-descriptor table back. len(table)
// must equal the capacity the store was opened with.
func (s *Store) WriteStudyTable(table []models.StudyDescriptor) error {
	if len(table) != s.maxStudies {
		return fmt.Errorf("study table has %d slots, store expects %d", len(table), s.maxStudies)
	}
	buf := make([]byte, studySlotSize*s.maxStudies)
	for i, d := range table {
		slot := buf[i*studySlotSize : (i+1)*studySlotSize]
		if err := putString(slot[:64], d.StudyInstanceUID); err != nil {
			return fmt.Errorf("study %q: %w", d.StudyInstanceUID, err)
		}
		binary.LittleEndian.PutUint64(slot[64:], uint64(d.Size))
		binary.LittleEndian.PutUint64(slot[72:], uint64(d.LastModified))
		binary.LittleEndian.PutUint32(slot[80:], d.InstanceCount)
	}
	if _, err := s.f.WriteAt(buf, headerSize); err != nil {
		return fmt.Errorf("failed to write study table: %w", err)
	}
	return nil
}

// putString zero-pads v into dst. Overlong values are an error rather than a
// silent truncation; attribute values are clamped before they get here.
func putString(dst []byte, v string) error {
	if len(v) > len(dst) {
		return fmt.Errorf("value of %d bytes exceeds field width %d", len(v), len(dst))
	}
	copy(dst, v)
	for i := len(v); i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func getString(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

// clamp truncates an attribute value to its codec field width. DICOM objects
// can carry values longer than the index schema allows; the tail is not
// significant for matching.
func clamp(v string, width int) string {
	if len(v) > width {
		return v[:width]
	}
	return v
}

func encodeRecord(rec *models.InstanceRecord) ([]byte, error) {
	buf := make([]byte, recordSize)
	off := 0
	for _, f := range recordFields {
		v := clamp(rec.Value(f.tag), f.width)
		if err := putString(buf[off:off+f.width], v); err != nil {
			return nil, err
		}
		off += f.width
	}
	if err := putString(buf[off:off+filePathWidth], rec.FilePath); err != nil {
		return nil, fmt.Errorf("file path: %w", err)
	}
	off += filePathWidth
	binary.LittleEndian.PutUint64(buf[off:], uint64(rec.ImageSize))
	binary.LittleEndian.PutUint64(buf[off+8:], uint64(rec.InsertTime))
	if rec.Reviewed {
		buf[off+16] = 1
	}
	return buf, nil
}

func decodeRecord(buf []byte) (*models.InstanceRecord, error) {
	if len(buf) != recordSize {
		return nil, fmt.Errorf("record buffer has %d bytes, want %d", len(buf), recordSize)
	}
	rec := &models.InstanceRecord{}
	off := 0
	for _, f := range recordFields {
		rec.SetValue(f.tag, getString(buf[off:off+f.width]))
		off += f.width
	}
	rec.FilePath = getString(buf[off : off+filePathWidth])
	off += filePathWidth
	rec.ImageSize = int64(binary.LittleEndian.Uint64(buf[off:]))
	rec.InsertTime = int64(binary.LittleEndian.Uint64(buf[off+8:]))
	rec.Reviewed = buf[off+16] == 1
	return rec, nil
}
