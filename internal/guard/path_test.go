package guard

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAllowedRootsContains(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	allowed := NewAllowedRoots(sub)

	if !allowed.Contains(filepath.Join(sub, "file.txt")) {
		t.Error("expected path under root to be allowed")
	}
	if allowed.Contains(filepath.Join(dir, "outside.txt")) {
		t.Error("expected sibling path to be rejected")
	}
	if allowed.Contains(filepath.Join(sub, "..", "..", "etc", "passwd")) {
		t.Error("expected traversal path to be rejected")
	}
}

func TestAllowedRootsNewFile(t *testing.T) {
	dir := t.TempDir()
	allowed := NewAllowedRoots(dir)
	// File doesn't exist yet but its parent does.
	if !allowed.Contains(filepath.Join(dir, "new-output.json")) {
		t.Error("expected not-yet-created file under an existing root to be allowed")
	}
}

func TestValidateMounts(t *testing.T) {
	dir := t.TempDir()
	allowed := NewAllowedRoots(dir)
	mounts := []MountSpec{
		{HostPath: filepath.Join(dir, "ws"), ContainerPath: "/workspace"},
		{HostPath: "/etc", ContainerPath: "/etc-leak"},
	}
	ok, rejected := ValidateMounts(allowed, mounts)
	if len(ok) != 1 || len(rejected) != 1 {
		t.Fatalf("expected 1 ok + 1 rejected, got %d/%d", len(ok), len(rejected))
	}
	if rejected[0] != "/etc" {
		t.Errorf("expected /etc rejected, got %v", rejected)
	}
}

func TestAuthorizeTask(t *testing.T) {
	cases := []struct {
		name       string
		env        TaskEnvelope
		target     string
		declaring  string
		wantAllow  bool
	}{
		{"main group can target anything", TaskEnvelope{IsMain: true}, "other-folder", "main-folder", true},
		{"own folder allowed", TaskEnvelope{}, "folder-a", "folder-a", true},
		{"foreign folder denied", TaskEnvelope{}, "folder-a", "folder-b", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ok, _ := AuthorizeTask(c.env, c.target, c.declaring)
			if ok != c.wantAllow {
				t.Errorf("got %v, want %v", ok, c.wantAllow)
			}
		})
	}
}

func TestValidateReference(t *testing.T) {
	own := map[string]struct{}{"msg-1": {}}

	if !ValidateReference(ReferenceAny, "msg-anything", own, "") {
		t.Error("ReferenceAny should accept any non-empty reference")
	}
	if ValidateReference(ReferenceAny, "", own, "") {
		t.Error("ReferenceAny should reject empty reference")
	}
	if !ValidateReference(ReferenceOwn, "msg-1", own, "") {
		t.Error("ReferenceOwn should accept a known own message")
	}
	if ValidateReference(ReferenceOwn, "msg-2", own, "") {
		t.Error("ReferenceOwn should reject an unknown message")
	}
	if !ValidateReference(ReferenceExact, "msg-1", own, "msg-1") {
		t.Error("ReferenceExact should accept the expected ID")
	}
	if ValidateReference(ReferenceExact, "msg-1", own, "msg-2") {
		t.Error("ReferenceExact should reject a mismatched ID")
	}
}
