package pathsafe

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
)

// buildRoot lays out a small fake image tree:
//
//	etc/os-release
//	etc/passwd
//	var/lib/app/data.txt
//	link-abs-inside  -> /etc/passwd
//	link-abs-outside -> <host path outside root>
//	link-rel-escape  -> ../../..
//	link-loop        -> link-loop
func buildRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	for _, dir := range []string{"etc", "var/lib/app"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	for path, content := range map[string]string{
		"etc/os-release":       "ID=testos\n",
		"etc/passwd":           "root:x:0:0\n",
		"var/lib/app/data.txt": "app data",
	} {
		if err := os.WriteFile(filepath.Join(root, path), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	outside := filepath.Join(filepath.Dir(root), "outside.txt")
	links := map[string]string{
		"link-abs-inside":  "/etc/passwd",
		"link-abs-outside": outside,
		"link-rel-escape":  "../../..",
		"link-loop":        "link-loop",
	}
	for name, target := range links {
		if err := os.Symlink(target, filepath.Join(root, name)); err != nil {
			t.Fatalf("Failed to create symlink %s: %v", name, err)
		}
	}

	return root
}

// TestResolvePlainPaths tests confined resolution of ordinary paths
func TestResolvePlainPaths(t *testing.T) {
	root := buildRoot(t)

	tests := []struct {
		rel      string
		expected string
	}{
		{"/etc/os-release", "etc/os-release"},
		{"etc/os-release", "etc/os-release"},
		{"/var/lib/app", "var/lib/app"},
		{"/etc/../var/lib/app/data.txt", "var/lib/app/data.txt"},
		{"//etc//passwd", "etc/passwd"},
		{"/", ""},
		{"/etc/newfile", "etc/newfile"}, // trailing component may not exist
	}

	for _, tt := range tests {
		got, err := Resolve(root, tt.rel)
		if err != nil {
			t.Errorf("Resolve(%q) failed: %v", tt.rel, err)
			continue
		}
		expected := filepath.Join(root, tt.expected)
		if got != expected {
			t.Errorf("Resolve(%q) = %q, expected %q", tt.rel, got, expected)
		}
	}
}

// TestResolveClimbingFails tests that walking above the root is a
// confinement violation
func TestResolveClimbingFails(t *testing.T) {
	root := buildRoot(t)

	tests := []string{
		"..",
		"../",
		"/..",
		"/etc/../../etc/passwd",
		"/../../../../etc/passwd",
	}

	for _, rel := range tests {
		_, err := Resolve(root, rel)
		if err == nil {
			t.Errorf("Resolve(%q) succeeded, expected confinement violation", rel)
			continue
		}
		if !errors.Is(err, imagerr.ErrConfinement) {
			t.Errorf("Resolve(%q) error %v is not a confinement violation", rel, err)
		}
	}
}

// TestResolveSymlinksConfined tests the symlink re-rooting rules
func TestResolveSymlinksConfined(t *testing.T) {
	root := buildRoot(t)

	// An absolute link target inside the image resolves against the
	// image root, not the host.
	got, err := Resolve(root, "/link-abs-inside")
	if err != nil {
		t.Fatalf("Resolve through inside link failed: %v", err)
	}
	if got != filepath.Join(root, "etc/passwd") {
		t.Errorf("Inside link resolved to %q", got)
	}
	if !strings.HasPrefix(got, root+string(os.PathSeparator)) {
		t.Errorf("Resolved handle %q is not beneath root %q", got, root)
	}

	// An absolute link whose target, re-rooted, still points outside
	// (because the target path climbs) must be rejected, as must a
	// relative link that climbs.
	if _, err := Resolve(root, "/link-rel-escape"); !errors.Is(err, imagerr.ErrConfinement) {
		t.Errorf("Relative escaping link: got %v, expected confinement violation", err)
	}
	if _, err := Resolve(root, "/link-rel-escape/etc/passwd"); !errors.Is(err, imagerr.ErrConfinement) {
		t.Errorf("Path through escaping link: got %v, expected confinement violation", err)
	}
}

// TestResolveAbsoluteLinkOutsideHostStaysInside tests that a link to a
// host-absolute path is reinterpreted under the root rather than
// touching the host location
func TestResolveAbsoluteLinkOutsideHostStaysInside(t *testing.T) {
	root := buildRoot(t)

	got, err := Resolve(root, "/link-abs-outside")
	if err != nil {
		// The re-rooted path may simply not exist inside the image;
		// what matters is that resolution never left the root, which
		// the error path also satisfies. A confinement error is wrong
		// though: the target is re-rooted, not rejected.
		if errors.Is(err, imagerr.ErrConfinement) {
			t.Fatalf("Host-absolute link treated as violation: %v", err)
		}
		return
	}
	if !strings.HasPrefix(got, root+string(os.PathSeparator)) {
		t.Errorf("Host-absolute link escaped to %q", got)
	}
}

// TestResolveSymlinkLoop tests the bounded hop budget
func TestResolveSymlinkLoop(t *testing.T) {
	root := buildRoot(t)

	_, err := Resolve(root, "/link-loop")
	if err == nil {
		t.Fatal("Resolving a symlink loop succeeded")
	}
	if !errors.Is(err, imagerr.ErrConfinement) {
		t.Errorf("Symlink loop error %v is not a confinement violation", err)
	}
}

// TestViolationDoesNotLeakExistence tests that confinement errors read
// the same for existing and non-existing targets
func TestViolationDoesNotLeakExistence(t *testing.T) {
	root := buildRoot(t)

	_, errExisting := Resolve(root, "/etc/../../etc/passwd")
	_, errMissing := Resolve(root, "/etc/../../no/such/path")
	if errExisting == nil || errMissing == nil {
		t.Fatal("Expected both resolutions to fail")
	}

	strip := func(err error) string {
		msg := err.Error()
		if i := strings.Index(msg, `"`); i >= 0 {
			if j := strings.LastIndex(msg, `"`); j > i {
				return msg[:i] + msg[j+1:]
			}
		}
		return msg
	}
	if strip(errExisting) != strip(errMissing) {
		t.Errorf("Violation messages differ by target existence: %q vs %q",
			errExisting, errMissing)
	}
}

// TestOpenConfined tests the open helper end to end
func TestOpenConfined(t *testing.T) {
	root := buildRoot(t)

	f, err := Open(root, "/etc/os-release", os.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	buf := make([]byte, 64)
	n, _ := f.Read(buf)
	if !strings.Contains(string(buf[:n]), "ID=testos") {
		t.Errorf("Opened wrong file, read %q", buf[:n])
	}
}

// TestResolveParent tests parent resolution for create flows
func TestResolveParent(t *testing.T) {
	root := buildRoot(t)

	dir, base, err := ResolveParent(root, "/etc/local.txt")
	if err != nil {
		t.Fatalf("ResolveParent failed: %v", err)
	}
	if dir != filepath.Join(root, "etc") || base != "local.txt" {
		t.Errorf("ResolveParent = (%q, %q)", dir, base)
	}

	if _, _, err := ResolveParent(root, "/.."); !errors.Is(err, imagerr.ErrConfinement) {
		t.Errorf("ResolveParent of /.. returned %v, expected confinement violation", err)
	}
	if _, _, err := ResolveParent(root, "/missing-dir/file"); err == nil {
		t.Error("ResolveParent with missing parent succeeded")
	}
}
