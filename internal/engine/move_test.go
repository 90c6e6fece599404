package engine_test

import (
	"testing"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/engine"
	"github.com/openpacs/qrindex/internal/models"
)

func TestMoveSingleInstance(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	path := env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))

	session, remaining, status, detail := env.engine.StartMove(catalog.StudyRootMoveUID, engine.AttributeMap{
		tag.QueryRetrieveLevel: "IMAGE",
		tag.StudyInstanceUID:   "1.1",
		tag.SeriesInstanceUID:  "1.1.1",
		tag.SOPInstanceUID:     "1.1.1.1",
	})
	if status != models.StatusPending || remaining != 1 {
		t.Fatalf("StartMove = %v, remaining %d (%s); want Pending, 1", status, remaining, detail)
	}

	item, status := session.Next()
	if status != models.StatusPending || item == nil {
		t.Fatalf("Next = %v, item %v", status, item)
	}
	if item.FilePath != path || item.SOPInstanceUID != "1.1.1.1" || item.Remaining != 0 {
		t.Errorf("wrong move item: %+v", item)
	}

	if item, status := session.Next(); status != models.StatusSuccess || item != nil {
		t.Errorf("exhausted Next = %v, %v; want Success, nil", item, status)
	}
}

func TestMoveWholeStudyCountsDown(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))
	env.addInstance(t, "b", fixture("DOE", "1.1", "1.1.1", "1.1.1.2", 10))
	env.addInstance(t, "c", fixture("DOE", "1.1", "1.1.2", "1.1.2.1", 10))
	env.addInstance(t, "d", fixture("DOE", "2.1", "2.1.1", "2.1.1.1", 10))

	session, remaining, status, _ := env.engine.StartMove(catalog.StudyRootMoveUID, engine.AttributeMap{
		tag.QueryRetrieveLevel: "STUDY",
		tag.StudyInstanceUID:   "1.1",
	})
	if status != models.StatusPending || remaining != 3 {
		t.Fatalf("StartMove = %v, remaining %d; want Pending, 3", status, remaining)
	}

	for want := 2; want >= 0; want-- {
		item, status := session.Next()
		if status != models.StatusPending || item == nil {
			t.Fatalf("Next = %v, item %v", status, item)
		}
		if item.Remaining != want {
			t.Errorf("Remaining = %d, want %d", item.Remaining, want)
		}
		if item.SOPClassUID == "" || item.FilePath == "" {
			t.Errorf("move item missing identification: %+v", item)
		}
	}
	if _, status := session.Next(); status != models.StatusSuccess {
		t.Errorf("exhausted Next = %v, want Success", status)
	}
}

func TestMoveNoMatchesIsImmediateSuccess(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))

	session, remaining, status, _ := env.engine.StartMove(catalog.StudyRootMoveUID, engine.AttributeMap{
		tag.QueryRetrieveLevel: "STUDY",
		tag.StudyInstanceUID:   "9.9",
	})
	if status != models.StatusSuccess || session != nil || remaining != 0 {
		t.Errorf("StartMove = %v, session %v, remaining %d; want Success, nil, 0", status, session, remaining)
	}
}

func TestMoveRejectsMalformedIdentifiers(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))

	cases := []struct {
		name string
		keys engine.AttributeMap
	}{
		{"non-unique key", engine.AttributeMap{
			tag.QueryRetrieveLevel: "STUDY",
			tag.StudyInstanceUID:   "1.1",
			tag.PatientName:        "DOE",
		}},
		{"missing series UID for image level", engine.AttributeMap{
			tag.QueryRetrieveLevel: "IMAGE",
			tag.StudyInstanceUID:   "1.1",
			tag.SOPInstanceUID:     "1.1.1.1",
		}},
		{"empty study UID", engine.AttributeMap{
			tag.QueryRetrieveLevel: "STUDY",
			tag.StudyInstanceUID:   "  ",
		}},
		{"patient key under study root", engine.AttributeMap{
			tag.QueryRetrieveLevel: "STUDY",
			tag.PatientID:          "P1",
			tag.StudyInstanceUID:   "1.1",
		}},
	}
	for _, tc := range cases {
		session, _, status, _ := env.engine.StartMove(catalog.StudyRootMoveUID, tc.keys)
		if status != models.StatusIdentifierMismatch {
			t.Errorf("%s: status %v, want IdentifierMismatch", tc.name, status)
		}
		if session != nil {
			session.Cancel()
		}
	}
}

func TestMovePatientRoot(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))
	env.addInstance(t, "b", fixture("ROE", "2.1", "2.1.1", "2.1.1.1", 10))

	session, remaining, status, _ := env.engine.StartMove(catalog.PatientRootMoveUID, engine.AttributeMap{
		tag.QueryRetrieveLevel: "PATIENT",
		tag.PatientID:          "P-DOE",
	})
	if status != models.StatusPending || remaining != 1 {
		t.Fatalf("StartMove = %v, remaining %d; want Pending, 1", status, remaining)
	}
	item, status := session.Next()
	if status != models.StatusPending || item.SOPInstanceUID != "1.1.1.1" {
		t.Errorf("wrong item for patient move: %+v, %v", item, status)
	}
}

func TestMoveCancelReleasesLock(t *testing.T) {
	env := newTestEnv(t, 4, 0, engine.Options{})
	env.addInstance(t, "a", fixture("DOE", "1.1", "1.1.1", "1.1.1.1", 10))
	env.addInstance(t, "b", fixture("DOE", "1.1", "1.1.1", "1.1.1.2", 10))

	session, _, status, _ := env.engine.StartMove(catalog.StudyRootMoveUID, engine.AttributeMap{
		tag.QueryRetrieveLevel: "STUDY",
		tag.StudyInstanceUID:   "1.1",
	})
	if status != models.StatusPending {
		t.Fatalf("StartMove = %v, want Pending", status)
	}
	if status := session.Cancel(); status != models.StatusCancel {
		t.Errorf("Cancel = %v, want Cancel", status)
	}
	if _, status := session.Next(); status != models.StatusSuccess {
		t.Errorf("Next after Cancel = %v, want Success", status)
	}
	if _, status := env.engine.Delete("1.1", "", ""); status != models.StatusSuccess {
		t.Errorf("delete after cancel = %v", status)
	}
}
