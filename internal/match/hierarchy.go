package match

import (
	"errors"
	"fmt"
	"strings"

	"github.com/openpacs/qrindex/internal/catalog"
	"github.com/openpacs/qrindex/internal/models"
)

// QueryKey is one parsed (attribute, requested value) pair of a query
// identifier.
type QueryKey struct {
	Attr  catalog.Attribute
	Value string
}

// Query is a parsed query identifier: the key list, the requested hierarchy
// level, the root level of the information model, and the character set the
// query values are encoded in.
type Query struct {
	Keys    []QueryKey
	Level   catalog.Level
	Root    catalog.Level
	Charset string
}

// UniqueValue returns the query's value for the unique key of a level, with
// ok=false when the query does not supply it.
func (q *Query) UniqueValue(level catalog.Level) (string, bool) {
	want := catalog.UniqueKey(level).Tag
	for _, k := range q.Keys {
		if k.Attr.Tag == want {
			return strings.TrimSpace(k.Value), true
		}
	}
	return "", false
}

// matchingKeys returns the keys to be fully matched at the query level. Under
// the study-rooted model, patient-level keys are evaluated together with the
// study-level ones.
func (q *Query) matchingKeys() []QueryKey {
	keys := make([]QueryKey, 0, len(q.Keys))
	for _, k := range q.Keys {
		if k.Attr.Level == q.Level {
			keys = append(keys, k)
			continue
		}
		if q.Root == catalog.LevelStudy && q.Level == catalog.LevelStudy && k.Attr.Level == catalog.LevelPatient {
			keys = append(keys, k)
		}
	}
	return keys
}

// ErrMissingUniqueKey marks a query identifier that omits the unique key for
// a level above its query level. This is a malformed request, not a
// non-match.
var ErrMissingUniqueKey = errors.New("query missing unique key")

// CompareHierarchy decides whether one record satisfies one query. Levels
// strictly above the query level require unique-key equality; the query
// level itself applies full attribute matching. A mismatching record is a
// normal false return; a query that omits a unique key above its level is a
// structural error.
func CompareHierarchy(rec *models.InstanceRecord, q *Query, conv *Converter) (bool, error) {
	for level := q.Root; level < q.Level; level++ {
		want, ok := q.UniqueValue(level)
		if !ok {
			return false, fmt.Errorf("%w for level %s", ErrMissingUniqueKey, level)
		}
		unique := catalog.UniqueKey(level)
		if want != strings.TrimSpace(rec.Value(unique.Tag)) {
			return false, nil
		}
	}

	for _, k := range q.matchingKeys() {
		if !Matches(k.Value, rec.Value(k.Attr.Tag), k.Attr.Kind, conv, q.Charset, rec.SpecificCharacterSet) {
			return false, nil
		}
	}
	return true, nil
}

// TupleKey builds the unique-key tuple identifying the record's node at the
// query level, used by FIND sessions to deduplicate higher-level matches
// backed by multiple instances.
func TupleKey(rec *models.InstanceRecord, q *Query) string {
	parts := make([]string, 0, 4)
	for level := q.Root; level <= q.Level; level++ {
		parts = append(parts, strings.TrimSpace(rec.Value(catalog.UniqueKey(level).Tag)))
	}
	return strings.Join(parts, "\x00")
}
