package dissect

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/jgarman/imgsurgeon/internal/imagerr"
	"github.com/jgarman/imgsurgeon/internal/pathsafe"
)

// Metadata is the identity information extracted from a mounted image
// tree. Every field is best-effort; absent files leave fields empty.
type Metadata struct {
	Hostname    string
	MachineID   string
	OSRelease   []KV
	MachineInfo []KV
}

// KV is one key=value field, order-preserving.
type KV struct {
	Key   string
	Value string
}

// AcquireMetadata reads hostname, machine ID, os-release and
// machine-info from the mounted image root. Individual missing files
// are skipped silently; only a total failure to read anything returns
// an error, and callers treat even that as non-fatal. All reads go
// through confined resolution so a hostile image cannot point them at
// host files.
func AcquireMetadata(root string) (*Metadata, error) {
	md := &Metadata{}
	found := false

	if data, err := readConfined(root, "/etc/hostname"); err == nil {
		md.Hostname = strings.TrimSpace(string(data))
		found = true
	}

	if data, err := readConfined(root, "/etc/machine-id"); err == nil {
		id := strings.TrimSpace(string(data))
		if len(id) == 32 {
			md.MachineID = id
			found = true
		}
	}

	for _, path := range []string{"/etc/os-release", "/usr/lib/os-release"} {
		if fields, err := readEnvFile(root, path); err == nil {
			md.OSRelease = fields
			found = true
			break
		}
	}

	if fields, err := readEnvFile(root, "/etc/machine-info"); err == nil {
		md.MachineInfo = fields
		found = true
	}

	if !found {
		return md, fmt.Errorf("%w: no metadata files readable under image root", imagerr.ErrMetadata)
	}
	return md, nil
}

func readConfined(root, rel string) ([]byte, error) {
	f, err := pathsafe.Open(root, rel, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Metadata files are tiny; cap the read so a crafted image cannot
	// make inspect slurp gigabytes.
	buf := make([]byte, 64*1024)
	n, err := f.Read(buf)
	if n == 0 && err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// readEnvFile parses an os-release style file: KEY=VALUE lines, values
// optionally quoted, #-comments and blank lines ignored.
func readEnvFile(root, rel string) ([]KV, error) {
	data, err := readConfined(root, rel)
	if err != nil {
		return nil, err
	}

	var fields []KV
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		fields = append(fields, KV{Key: strings.TrimSpace(key), Value: value})
	}
	return fields, nil
}
