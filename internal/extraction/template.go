package extraction

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

//go:embed lang.json
var defaultTemplate []byte

// DefaultTemplate returns a copy of the bundled PII-recognition request template.
func DefaultTemplate() []byte {
	return bytes.Clone(defaultTemplate)
}

// LoadTemplate reads a request template from path, or returns the bundled template
// when path is empty. The template must carry analysisInput.documents[0].text.
func LoadTemplate(path string) ([]byte, error) {
	tmpl := DefaultTemplate()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read request template: %w", err)
		}
		tmpl = data
	}
	if _, err := BuildRequest(tmpl, ""); err != nil {
		return nil, fmt.Errorf("invalid request template: %w", err)
	}
	return tmpl, nil
}

// BuildRequest returns template with analysisInput.documents[0].text replaced by text.
// Every other field of the template is preserved.
func BuildRequest(template []byte, text string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(template))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	input, ok := payload["analysisInput"].(map[string]any)
	if !ok {
		return nil, errors.New("template has no analysisInput object")
	}
	docs, ok := input["documents"].([]any)
	if !ok || len(docs) == 0 {
		return nil, errors.New("template has no analysisInput.documents entries")
	}
	doc, ok := docs[0].(map[string]any)
	if !ok {
		return nil, errors.New("analysisInput.documents[0] is not an object")
	}
	doc["text"] = text

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return out, nil
}
