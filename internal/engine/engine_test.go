package engine_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/engine"
	"github.com/openpacs/qrindex/internal/models"
	"github.com/openpacs/qrindex/internal/store"
)

// stubReader serves attribute fixtures keyed by file path, standing in for
// the DICOM parser.
type stubReader struct {
	recs map[string]models.InstanceRecord
}

func (r *stubReader) ReadAttributes(path string) (*models.InstanceRecord, error) {
	rec, ok := r.recs[path]
	if !ok {
		return nil, fmt.Errorf("no fixture for %s", path)
	}
	cp := rec
	return &cp, nil
}

type testEnv struct {
	engine *engine.Engine
	reader *stubReader
	dir    string
}

func newTestEnv(t *testing.T, maxStudies int, maxStudyBytes int64, opts engine.Options) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "index.dat"), maxStudies, maxStudyBytes)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reader := &stubReader{recs: make(map[string]models.InstanceRecord)}
	return &testEnv{engine: engine.New(st, reader, opts), reader: reader, dir: dir}
}

// addInstance creates an object file of the fixture's size, registers the
// fixture with the stub reader, and stores it through the engine.
func (env *testEnv) addInstance(t *testing.T, name string, rec models.InstanceRecord) string {
	t.Helper()
	path := filepath.Join(env.dir, name+".dcm")
	if err := os.WriteFile(path, make([]byte, rec.ImageSize), 0o644); err != nil {
		t.Fatal(err)
	}
	env.reader.recs[path] = rec
	status, detail := env.engine.StoreInstance("", "", path, true)
	if status != models.StatusSuccess {
		t.Fatalf("store of %s failed: %v (%s)", name, status, detail)
	}
	return path
}

func fixture(patientName, studyUID, seriesUID, sopUID string, size int64) models.InstanceRecord {
	return models.InstanceRecord{
		PatientName:       patientName,
		PatientID:         "P-" + patientName,
		StudyInstanceUID:  studyUID,
		SeriesInstanceUID: seriesUID,
		SOPInstanceUID:    sopUID,
		SOPClassUID:       "1.2.840.10008.5.1.4.1.1.2",
		Modality:          "CT",
		ImageSize:         size,
	}
}

func liveRecords(t *testing.T, e *engine.Engine) []*models.InstanceRecord {
	t.Helper()
	st := e.Store()
	guard, err := st.LockShared()
	if err != nil {
		t.Fatal(err)
	}
	defer guard.Release()

	count, err := st.RecordCount()
	if err != nil {
		t.Fatal(err)
	}
	var live []*models.InstanceRecord
	for i := 0; i < count; i++ {
		rec, err := st.ReadInstance(i)
		if err != nil {
			t.Fatal(err)
		}
		if rec.InUse() {
			live = append(live, rec)
		}
	}
	return live
}

func TestStoreInstanceRoundTrip(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	path := env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 100))

	found, err := env.engine.FindBySOP("", "1.1.1.1")
	if err != nil || !found {
		t.Errorf("FindBySOP = %v, %v; want found", found, err)
	}
	found, err = env.engine.FindBySOP("", "9.9.9.9")
	if err != nil || found {
		t.Errorf("FindBySOP for unknown UID = %v, %v; want not found", found, err)
	}

	live := liveRecords(t, env.engine)
	if len(live) != 1 {
		t.Fatalf("got %d live records, want 1", len(live))
	}
	rec := live[0]
	if rec.FilePath != path || rec.ImageSize != 100 || rec.Reviewed {
		t.Errorf("stored record off: %+v", rec)
	}

	table, err := env.engine.Store().ReadStudyTable()
	if err != nil {
		t.Fatal(err)
	}
	if table[0].StudyInstanceUID != "1.1" || table[0].Size != 100 || table[0].InstanceCount != 1 {
		t.Errorf("study descriptor off: %+v", table[0])
	}
}

func TestStoreInstanceRejectsBrokenObjects(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})

	status, _ := env.engine.StoreInstance("", "", "/nonexistent.dcm", true)
	if status != models.StatusCannotUnderstand {
		t.Errorf("unreadable object: status %v, want CannotUnderstand", status)
	}

	path := filepath.Join(env.dir, "nostudy.dcm")
	env.reader.recs[path] = models.InstanceRecord{SOPInstanceUID: "1.2", SOPClassUID: "1.3"}
	status, _ = env.engine.StoreInstance("", "", path, true)
	if status != models.StatusCannotUnderstand {
		t.Errorf("missing study UID: status %v, want CannotUnderstand", status)
	}

	path = filepath.Join(env.dir, "mismatch.dcm")
	env.reader.recs[path] = fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10)
	status, _ = env.engine.StoreInstance("", "other-uid", path, true)
	if status != models.StatusCannotUnderstand {
		t.Errorf("SOP UID mismatch: status %v, want CannotUnderstand", status)
	}
}

func TestStoreInstanceReplacesDuplicate(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{QuotaDeletesFiles: true})
	oldPath := env.addInstance(t, "v1", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 100))
	env.addInstance(t, "v2", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 150))

	live := liveRecords(t, env.engine)
	if len(live) != 1 {
		t.Fatalf("got %d live records after replacement, want 1", len(live))
	}
	if live[0].ImageSize != 150 {
		t.Errorf("surviving record has size %d, want the replacement's 150", live[0].ImageSize)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("replaced object file should have been removed")
	}

	table, err := env.engine.Store().ReadStudyTable()
	if err != nil {
		t.Fatal(err)
	}
	if table[0].Size != 150 || table[0].InstanceCount != 1 {
		t.Errorf("study descriptor after replacement: %+v", table[0])
	}
}

func TestQuotaEvictsOldestImage(t *testing.T) {
	env := newTestEnv(t, 4, 250, engine.Options{QuotaDeletesFiles: true})
	firstPath := env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 100))
	env.addInstance(t, "b", fixture("DOE", "1.1", "1.1.1", "1.1.1.2", 200))
	env.addInstance(t, "c", fixture("DOE", "1.1", "1.1.1", "1.1.1.3", 50))

	live := liveRecords(t, env.engine)
	if len(live) != 2 {
		t.Fatalf("got %d live records, want 2 (oldest evicted)", len(live))
	}
	for _, rec := range live {
		if rec.SOPInstanceUID == "1.1.1.1" {
			t.Error("oldest instance should have been evicted")
		}
	}
	if _, err := os.Stat(firstPath); !os.IsNotExist(err) {
		t.Error("evicted object file should have been removed")
	}

	table, err := env.engine.Store().ReadStudyTable()
	if err != nil {
		t.Fatal(err)
	}
	if table[0].Size != 250 || table[0].InstanceCount != 2 {
		t.Errorf("study descriptor after eviction: %+v", table[0])
	}
}

func TestQuotaKeepsFilesWhenDeletionDisabled(t *testing.T) {
	env := newTestEnv(t, 4, 250, engine.Options{QuotaDeletesFiles: false})
	firstPath := env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 100))
	env.addInstance(t, "b", fixture("DOE", "1.1", "1.1.1", "1.1.1.2", 200))

	live := liveRecords(t, env.engine)
	if len(live) != 1 {
		t.Fatalf("got %d live records, want 1", len(live))
	}
	if _, err := os.Stat(firstPath); err != nil {
		t.Errorf("evicted file must survive with deletion disabled: %v", err)
	}
}

func TestQuotaRejectsOversizeObject(t *testing.T) {
	env := newTestEnv(t, 4, 250, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 100))

	path := filepath.Join(env.dir, "huge.dcm")
	env.reader.recs[path] = fixture("DOE", "1.1", "1.1.1", "1.1.1.9", 300)
	status, _ := env.engine.StoreInstance("", "", path, true)
	if status != models.StatusOutOfResources {
		t.Errorf("oversize object: status %v, want OutOfResources", status)
	}
	if len(liveRecords(t, env.engine)) != 1 {
		t.Error("refused store must not disturb existing records")
	}
}

func TestQuotaRejectsOversizeIntoNewStudy(t *testing.T) {
	env := newTestEnv(t, 4, 250, engine.Options{})

	path := filepath.Join(env.dir, "huge.dcm")
	env.reader.recs[path] = fixture("DOE", "9.9", "9.9.1", "9.9.1.1", 300)
	status, _ := env.engine.StoreInstance("", "", path, true)
	if status != models.StatusOutOfResources {
		t.Fatalf("oversize first instance of a study: status %v, want OutOfResources", status)
	}
	if len(liveRecords(t, env.engine)) != 0 {
		t.Error("refused store must not register any record")
	}

	table, err := env.engine.Store().ReadStudyTable()
	if err != nil {
		t.Fatal(err)
	}
	for i, d := range table {
		if d.InUse() {
			t.Errorf("refused store claimed study slot %d: %+v", i, d)
		}
	}
}

func TestRefusedRestoreKeepsExistingInstance(t *testing.T) {
	env := newTestEnv(t, 4, 250, engine.Options{QuotaDeletesFiles: true})
	origPath := env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 100))
	env.addInstance(t, "b", fixture("DOE", "1.1", "1.1.1", "1.1.1.2", 100))

	big := filepath.Join(env.dir, "big.dcm")
	if err := os.WriteFile(big, make([]byte, 300), 0o644); err != nil {
		t.Fatal(err)
	}
	env.reader.recs[big] = fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 300)
	status, _ := env.engine.StoreInstance("", "", big, true)
	if status != models.StatusOutOfResources {
		t.Fatalf("oversize re-store: status %v, want OutOfResources", status)
	}

	found, err := env.engine.FindBySOP("", "1.1.1.1")
	if err != nil || !found {
		t.Errorf("refused re-store must keep the prior instance registered: found=%v err=%v", found, err)
	}
	if _, err := os.Stat(origPath); err != nil {
		t.Errorf("refused re-store must not delete the prior object file: %v", err)
	}

	// Descriptor stays consistent with the live records.
	live := liveRecords(t, env.engine)
	var sum int64
	for _, rec := range live {
		sum += rec.ImageSize
	}
	table, err := env.engine.Store().ReadStudyTable()
	if err != nil {
		t.Fatal(err)
	}
	if len(live) != 2 || sum != 200 {
		t.Errorf("live records after refused re-store: %d records, %d bytes; want 2, 200", len(live), sum)
	}
	if table[0].Size != sum || int(table[0].InstanceCount) != len(live) {
		t.Errorf("descriptor %+v disagrees with live records (%d bytes, %d records)",
			table[0], sum, len(live))
	}
}

func TestStudyTableEvictsOldestStudy(t *testing.T) {
	env := newTestEnv(t, 2, 0, engine.Options{QuotaDeletesFiles: true})
	env.addInstance(t, "s1", fixture("A", "1.1", "1.1.1", "1.1.1.1", 10))
	env.addInstance(t, "s2", fixture("B", "2.1", "2.1.1", "2.1.1.1", 10))
	env.addInstance(t, "s3", fixture("C", "3.1", "3.1.1", "3.1.1.1", 10))

	studies := make(map[string]bool)
	for _, rec := range liveRecords(t, env.engine) {
		studies[rec.StudyInstanceUID] = true
	}
	if len(studies) != 2 || studies["1.1"] {
		t.Errorf("expected studies 2.1 and 3.1 to survive, got %v", studies)
	}
}

func TestMarkReviewed(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))

	found, status := env.engine.MarkReviewed("1.1", "1.1.1", "1.1.1.1")
	if !found || status != models.StatusSuccess {
		t.Fatalf("MarkReviewed = %v, %v", found, status)
	}
	if rec := liveRecords(t, env.engine)[0]; !rec.Reviewed {
		t.Error("record not marked reviewed")
	}

	// Repeat is a no-op, missing instance a negative success.
	found, status = env.engine.MarkReviewed("1.1", "1.1.1", "1.1.1.1")
	if !found || status != models.StatusSuccess {
		t.Errorf("repeated MarkReviewed = %v, %v", found, status)
	}
	found, status = env.engine.MarkReviewed("1.1", "1.1.1", "missing")
	if found || status != models.StatusSuccess {
		t.Errorf("MarkReviewed on missing instance = %v, %v", found, status)
	}
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))
	env.addInstance(t, "b", fixture("DOE", "1.1", "1.1.1", "1.1.1.2", 10))
	paths := []string{
		env.addInstance(t, "c", fixture("DOE", "1.1", "1.1.2", "1.1.2.1", 10)),
	}

	removed, status := env.engine.Delete("1.1", "1.1.1", "1.1.1.1")
	if status != models.StatusSuccess || removed != 1 {
		t.Fatalf("instance delete = %d, %v", removed, status)
	}
	removed, status = env.engine.Delete("1.1", "", "")
	if status != models.StatusSuccess || removed != 2 {
		t.Fatalf("study delete = %d, %v", removed, status)
	}
	if len(liveRecords(t, env.engine)) != 0 {
		t.Error("records survived cascading delete")
	}
	if _, err := os.Stat(paths[0]); err != nil {
		t.Errorf("delete must leave object files in place: %v", err)
	}

	table, err := env.engine.Store().ReadStudyTable()
	if err != nil {
		t.Fatal(err)
	}
	if table[0].InUse() {
		t.Errorf("study descriptor not freed: %+v", table[0])
	}

	if _, status := env.engine.Delete("", "", ""); status != models.StatusIdentifierMismatch {
		t.Errorf("delete without study UID: status %v, want IdentifierMismatch", status)
	}
}

func TestPruneInvalid(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	keep := env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))
	gone := env.addInstance(t, "b", fixture("DOE", "1.1", "1.1.1", "1.1.1.2", 10))
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}

	removed, status := env.engine.PruneInvalid()
	if status != models.StatusSuccess || removed != 1 {
		t.Fatalf("PruneInvalid = %d, %v", removed, status)
	}
	live := liveRecords(t, env.engine)
	if len(live) != 1 || live[0].FilePath != keep {
		t.Errorf("wrong survivor after prune: %+v", live)
	}

	table, err := env.engine.Store().ReadStudyTable()
	if err != nil {
		t.Fatal(err)
	}
	if table[0].InstanceCount != 1 || table[0].Size != 10 {
		t.Errorf("study descriptor after prune: %+v", table[0])
	}
}

func TestFindRejectsMalformedQueries(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))

	cases := []struct {
		name  string
		model string
		keys  engine.AttributeMap
	}{
		{"unknown model", "1.2.3", engine.AttributeMap{
			tag.QueryRetrieveLevel: "STUDY",
			tag.StudyInstanceUID:   "",
		}},
		{"missing level", catalog.StudyRootFindUID, engine.AttributeMap{
			tag.StudyInstanceUID: "",
		}},
		{"level above root", catalog.StudyRootFindUID, engine.AttributeMap{
			tag.QueryRetrieveLevel: "PATIENT",
			tag.PatientID:          "",
		}},
		{"key below level", catalog.StudyRootFindUID, engine.AttributeMap{
			tag.QueryRetrieveLevel: "STUDY",
			tag.StudyInstanceUID:   "",
			tag.Modality:           "CT",
		}},
		{"non-unique key above level", catalog.StudyRootFindUID, engine.AttributeMap{
			tag.QueryRetrieveLevel: "SERIES",
			tag.StudyInstanceUID:   "1.1",
			tag.StudyDate:          "20240101",
			tag.Modality:           "",
		}},
		{"no keys at level", catalog.StudyRootFindUID, engine.AttributeMap{
			tag.QueryRetrieveLevel: "SERIES",
			tag.StudyInstanceUID:   "1.1",
		}},
		{"missing unique key above level", catalog.StudyRootFindUID, engine.AttributeMap{
			tag.QueryRetrieveLevel: "SERIES",
			tag.Modality:           "CT",
		}},
	}
	for _, tc := range cases {
		session, status, _ := env.engine.StartFind(tc.model, tc.keys)
		if status != models.StatusIdentifierMismatch {
			t.Errorf("%s: status %v, want IdentifierMismatch", tc.name, status)
		}
		if session != nil {
			session.Cancel()
			t.Errorf("%s: rejected query returned a session", tc.name)
		}
	}
}
