package verity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
)

const goodHash = "59e56cdcd530b5b47ba7e9e73cd22011c0360da4ee23f9d5b25a8b1d52a1518b"

// TestParseRootHashRoundTrip tests that valid hashes survive a
// parse/encode round trip
func TestParseRootHashRoundTrip(t *testing.T) {
	tests := []string{
		goodHash,
		"00112233445566778899aabbccddeeff", // exactly 128 bits
		"ffffffffffffffffffffffffffffffffff",
	}

	for _, in := range tests {
		h, err := ParseRootHash(in)
		if err != nil {
			t.Errorf("ParseRootHash(%q) failed: %v", in, err)
			continue
		}
		if hex.EncodeToString(h) != in {
			t.Errorf("Round trip mismatch for %q: got %q", in, hex.EncodeToString(h))
		}
	}
}

// TestParseRootHashRejectsBadInput tests that short or malformed hashes
// fail with an argument error
func TestParseRootHashRejectsBadInput(t *testing.T) {
	tests := []string{
		"",
		"abcd",                             // far too short
		"00112233445566778899aabbccddee",   // 15 bytes
		"x0112233445566778899aabbccddeeff", // not hex
		"00112233445566778899aabbccddeef",  // odd length
	}

	for _, in := range tests {
		_, err := ParseRootHash(in)
		if err == nil {
			t.Errorf("ParseRootHash(%q) succeeded, expected failure", in)
			continue
		}
		if !errors.Is(err, imagerr.ErrArgument) {
			t.Errorf("ParseRootHash(%q) error %v is not an argument error", in, err)
		}
	}
}

// TestSetRootHashImmutable tests that a supplied hash cannot be replaced
func TestSetRootHashImmutable(t *testing.T) {
	var d Descriptor
	if err := d.SetRootHash(goodHash); err != nil {
		t.Fatalf("First SetRootHash failed: %v", err)
	}
	if err := d.SetRootHash(goodHash); err == nil {
		t.Error("Second SetRootHash succeeded, expected failure")
	}
}

// TestSetSignatureForms tests inline base64 vs file path signatures
func TestSetSignatureForms(t *testing.T) {
	var d Descriptor

	if err := d.SetSignature("base64:aGVsbG8="); err != nil {
		t.Fatalf("Inline signature failed: %v", err)
	}
	if !bytes.Equal(d.Signature, []byte("hello")) {
		t.Errorf("Inline signature decoded to %q", d.Signature)
	}
	if d.SignaturePath != "" {
		t.Error("Inline signature should clear the path form")
	}

	if err := d.SetSignature("/some/file.p7s"); err != nil {
		t.Fatalf("Path signature failed: %v", err)
	}
	if d.SignaturePath != "/some/file.p7s" {
		t.Errorf("Signature path = %q", d.SignaturePath)
	}
	if d.Signature != nil {
		t.Error("Path signature should clear the inline form")
	}

	if err := d.SetSignature("base64:!!!"); err == nil {
		t.Error("Invalid base64 accepted")
	}
}

// TestResolveCompanions tests that missing fields are filled from
// companion files and supplied fields are left alone
func TestResolveCompanions(t *testing.T) {
	tempDir := t.TempDir()
	imagePath := filepath.Join(tempDir, "os.raw")

	for name, content := range map[string]string{
		"os.raw":              "not a real image",
		"os.raw.roothash":     goodHash + "\n",
		"os.raw.verity":       "hash tree data",
		"os.raw.roothash.p7s": "signature bytes",
	} {
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	var d Descriptor
	if err := d.Resolve(imagePath); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if d.RootHashString() != goodHash {
		t.Errorf("Resolved root hash = %q, expected %q", d.RootHashString(), goodHash)
	}
	if d.DataPath != imagePath+".verity" {
		t.Errorf("Resolved data path = %q", d.DataPath)
	}
	if d.SignaturePath != imagePath+".roothash.p7s" {
		t.Errorf("Resolved signature path = %q", d.SignaturePath)
	}

	// A pre-supplied root hash survives resolution untouched.
	supplied, _ := ParseRootHash("00112233445566778899aabbccddeeff")
	d2 := Descriptor{RootHash: supplied}
	if err := d2.Resolve(imagePath); err != nil {
		t.Fatalf("Resolve with supplied hash failed: %v", err)
	}
	if !bytes.Equal(d2.RootHash, supplied) {
		t.Error("Resolve overwrote a supplied root hash")
	}
}

// TestResolveWithoutCompanions tests that absent companions leave the
// descriptor empty without error
func TestResolveWithoutCompanions(t *testing.T) {
	tempDir := t.TempDir()
	imagePath := filepath.Join(tempDir, "bare.raw")
	if err := os.WriteFile(imagePath, []byte("image"), 0644); err != nil {
		t.Fatalf("Failed to write image: %v", err)
	}

	var d Descriptor
	if err := d.Resolve(imagePath); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if d.HasRootHash() || d.HasSignature() || d.UsesExternalData() {
		t.Errorf("Expected empty descriptor, got %+v", d)
	}
}

// TestResolveRunsOnce tests that resolution is not repeated once done
func TestResolveRunsOnce(t *testing.T) {
	tempDir := t.TempDir()
	imagePath := filepath.Join(tempDir, "os.raw")

	var d Descriptor
	if err := d.Resolve(imagePath); err != nil {
		t.Fatalf("First resolve failed: %v", err)
	}

	// A companion appearing later must not be picked up.
	hashFile := imagePath + ".roothash"
	if err := os.WriteFile(hashFile, []byte(goodHash), 0644); err != nil {
		t.Fatalf("Failed to write companion: %v", err)
	}
	if err := d.Resolve(imagePath); err != nil {
		t.Fatalf("Second resolve failed: %v", err)
	}
	if d.HasRootHash() {
		t.Error("Second resolve re-ran companion lookup")
	}
}
