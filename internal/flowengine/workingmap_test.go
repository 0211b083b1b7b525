package flowengine

import (
	"encoding/json"
	"errors"
	"testing"
)

type bucketAttrs struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

var (
	bucketKey = NewKey[bucketAttrs]("bucket")
	idsKey    = NewKey[[]string]("ids")
)

func TestWorkingMap_PutGet(t *testing.T) {
	wm := NewWorkingMap()
	if err := Put(wm, bucketKey, bucketAttrs{Name: "b1", Location: "US"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := Get(wm, bucketKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "b1" || got.Location != "US" {
		t.Errorf("expected b1/US, got %+v", got)
	}
}

func TestWorkingMap_GetMissingIsPermanent(t *testing.T) {
	wm := NewWorkingMap()
	_, err := Get(wm, idsKey)
	if !errors.Is(err, ErrMissingWorkingMapEntry) {
		t.Fatalf("expected ErrMissingWorkingMapEntry, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("expected missing entry to be permanent")
	}

	_, ok, err := Lookup(wm, idsKey)
	if ok || err != nil {
		t.Errorf("expected absent without error, got ok=%v err=%v", ok, err)
	}
}

func TestWorkingMap_WrongTypeIsPermanent(t *testing.T) {
	wm := NewWorkingMap()
	_ = Put(wm, NewKey[string]("ids"), "not a list")

	_, err := Get(wm, idsKey)
	if err == nil || !IsPermanent(err) {
		t.Fatalf("expected permanent decode error, got %v", err)
	}
}

func TestWorkingMap_Require(t *testing.T) {
	wm := NewWorkingMap()
	_ = Put(wm, bucketKey, bucketAttrs{Name: "b1"})

	if err := Require(wm, bucketKey); err != nil {
		t.Errorf("expected bucket present, got %v", err)
	}
	if err := Require(wm, bucketKey, idsKey); !errors.Is(err, ErrMissingWorkingMapEntry) {
		t.Errorf("expected ErrMissingWorkingMapEntry, got %v", err)
	}
}

func TestWorkingMap_HasDeleteKeys(t *testing.T) {
	wm := NewWorkingMap()
	_ = Put(wm, idsKey, []string{"a"})
	_ = Put(wm, bucketKey, bucketAttrs{})

	if !wm.Has(idsKey) {
		t.Error("expected ids present")
	}
	keys := wm.Keys()
	if len(keys) != 2 || keys[0] != "bucket" || keys[1] != "ids" {
		t.Errorf("expected sorted keys, got %v", keys)
	}

	wm.Delete(idsKey)
	if wm.Has(idsKey) {
		t.Error("expected ids deleted")
	}
}

func TestWorkingMap_JSONRoundTrip(t *testing.T) {
	wm := NewWorkingMap()
	_ = Put(wm, idsKey, []string{"r1", "r2"})

	data, err := json.Marshal(wm)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	restored := NewWorkingMap()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ids, err := Get(restored, idsKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(ids) != 2 || ids[1] != "r2" {
		t.Errorf("expected [r1 r2], got %v", ids)
	}
}
