// internal/packfile/packfile.go
package packfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/handrail/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format is the on-disk encoding of a document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatOf picks the encoding from the file extension. Anything that is not
// .json is read as YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// LoadPack reads a pack file and applies defaults for omitted sections.
func LoadPack(path string) (*schemas.TestPack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack file: %w", err)
	}
	return ParsePack(data, FormatOf(path))
}

// ParsePack decodes a pack document. YAML decoding rejects unknown fields.
// Guardrail keys the document leaves out keep their default values; keys it
// sets, including explicit zero limits, are taken as written.
func ParsePack(data []byte, format Format) (*schemas.TestPack, error) {
	pack := schemas.TestPack{Guardrails: schemas.DefaultGuardrails()}
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := decodeStrict(data, &pack); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	ApplyDefaults(&pack)
	return &pack, nil
}

// ApplyDefaults fills fields a pack author may leave out. Guardrail count
// limits are never touched here, since a zero limit is meaningful.
func ApplyDefaults(pack *schemas.TestPack) {
	if pack.ID == "" {
		pack.ID = uuid.NewString()
	}
	if pack.Name == "" {
		pack.Name = pack.ID
	}
	if pack.CreatedAt.IsZero() {
		pack.CreatedAt = time.Now().UTC()
	}
	if pack.Guardrails.SafetyMode == "" {
		pack.Guardrails.SafetyMode = schemas.SafetyStandard
	}
	if pack.Guardrails.PerceptionPolicy.DefaultMode == "" {
		pack.Guardrails.PerceptionPolicy.DefaultMode = schemas.PerceptionAuto
	}
	if pack.Execution.Mode == "" {
		pack.Execution.Mode = schemas.ExecutionModeFull
	}
	if pack.Execution.Screenshots == "" {
		pack.Execution.Screenshots = schemas.ScreenshotOnFailure
	}
}

// SavePack writes a pack in the format implied by the path.
func SavePack(path string, pack *schemas.TestPack) error {
	return save(path, pack)
}

// LoadPlan reads a plan file.
func LoadPlan(path string) (*schemas.PackPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan schemas.PackPlan
	if FormatOf(path) == FormatJSON {
		err = json.Unmarshal(data, &plan)
	} else {
		err = decodeStrict(data, &plan)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	return &plan, nil
}

// SavePlan writes a plan in the format implied by the path.
func SavePlan(path string, plan *schemas.PackPlan) error {
	return save(path, plan)
}

// LoadReport reads a JSON pack report, as written by the json report writer.
func LoadReport(path string) (*schemas.PackReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report file: %w", err)
	}
	var report schemas.PackReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	return &report, nil
}

func save(path string, v interface{}) error {
	var data []byte
	var err error
	if FormatOf(path) == FormatJSON {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(v); err == nil {
			err = enc.Close()
		}
		data = buf.Bytes()
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func decodeStrict(data []byte, v interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(v)
}
