package cos_test

import (
	"testing"

	"github.com/streamcast/mdriver/cmn/cos"
)

func TestGenUUIDUnique(t *testing.T) {
	cos.InitShortID(1)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := cos.GenUUID()
		if !cos.IsValidUUID(id) {
			t.Fatalf("generated invalid uuid %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate uuid generated: %q", id)
		}
		seen[id] = true
	}
}

func TestValidateClientID(t *testing.T) {
	if err := cos.ValidateClientID("short"); err == nil {
		t.Fatal("expected error for too-short client id")
	}
	if err := cos.ValidateClientID(cos.GenClientID()); err != nil {
		t.Fatalf("expected generated client id to validate, got %v", err)
	}
}
