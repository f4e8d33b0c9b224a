package conflict

import (
	"reflect"
	"time"

	"github.com/syncstorage/sync-engine/internal/domain"
)

// concurrentWindow is the write-recency window within which two writes from
// different instances are considered concurrent.
const concurrentWindow = 5 * time.Second

// Detect evaluates the detection rules against in, in order, and reports the
// first match. An absent current item never conflicts.
func Detect(in domain.DetectionInput) domain.Detection {
	if in.Current == nil {
		return domain.Detection{}
	}

	if d, ok := detectVersionMismatch(in); ok {
		return d
	}
	if d, ok := detectConcurrentUpdate(in); ok {
		return d
	}
	if d, ok := detectSchemaChange(in); ok {
		return d
	}
	return domain.Detection{}
}

func detectVersionMismatch(in domain.DetectionInput) (domain.Detection, bool) {
	if in.ExpectedVersion == nil || *in.ExpectedVersion == in.Current.Version {
		return domain.Detection{}, false
	}
	return domain.Detection{
		Type: domain.ConflictVersionMismatch,
		VersionDiff: &domain.VersionDiff{
			Expected: *in.ExpectedVersion,
			Actual:   in.Current.Version,
		},
	}, true
}

func detectConcurrentUpdate(in domain.DetectionInput) (domain.Detection, bool) {
	elapsed := in.Now.Sub(in.Current.LastModified)
	if elapsed >= concurrentWindow {
		return domain.Detection{}, false
	}
	if in.Current.Value.Equal(in.NewValue) {
		return domain.Detection{}, false
	}
	if in.InstanceID == in.Current.InstanceID {
		return domain.Detection{}, false
	}
	return domain.Detection{
		Type:        domain.ConflictConcurrentUpdate,
		TimeDeltaMS: elapsed.Milliseconds(),
	}, true
}

func detectSchemaChange(in domain.DetectionInput) (domain.Detection, bool) {
	currentObj, ok := in.Current.Value.AsObject()
	if !ok {
		return domain.Detection{}, false
	}
	newObj, ok := in.NewValue.AsObject()
	if !ok {
		return domain.Detection{}, false
	}

	if schemaKeysDiffer(currentObj, newObj) {
		return domain.Detection{Type: domain.ConflictSchemaChange}, true
	}
	for key, currentVal := range currentObj {
		newVal, present := newObj[key]
		if !present {
			continue
		}
		if reflect.TypeOf(currentVal) != reflect.TypeOf(newVal) {
			return domain.Detection{Type: domain.ConflictSchemaChange}, true
		}
	}
	return domain.Detection{}, false
}

func schemaKeysDiffer(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return true
	}
	for key := range a {
		if _, ok := b[key]; !ok {
			return true
		}
	}
	return false
}
