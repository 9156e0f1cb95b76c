package staging

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// ManifestName is the file written beside staged files so operators can
// audit what a recovery attempt pulled in.
const ManifestName = "recovery_manifest.msgpack"

// WriteManifest persists the report as a compact msgpack document.
func WriteManifest(path string, report *Report) error {
	if report == nil {
		return fmt.Errorf("write manifest: nil report")
	}
	b, err := msgpack.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a previously written manifest.
func ReadManifest(path string) (*Report, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report Report
	if err := msgpack.Unmarshal(b, &report); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return &report, nil
}
