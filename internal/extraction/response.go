package extraction

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/cyderes/findings-ingestion-service/internal/failures"
)

// Entity is one categorized span the service recognized in a document.
type Entity struct {
	Text            string  `json:"text"`
	Category        string  `json:"category"`
	Subcategory     string  `json:"subcategory,omitempty"`
	ConfidenceScore float64 `json:"confidenceScore,omitempty"`
	Offset          int     `json:"offset,omitempty"`
	Length          int     `json:"length,omitempty"`
}

// Document is the per-document part of a response, entities in service order.
type Document struct {
	ID       string   `json:"id"`
	Entities []Entity `json:"entities"`
}

// DocumentError is a per-document error the service reports alongside results.
type DocumentError struct {
	ID    string `json:"id"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Result is a parsed extraction response.
type Result struct {
	Documents []Document
	Errors    []DocumentError
}

// EntityCount returns the total number of entities across all documents.
func (r *Result) EntityCount() int {
	n := 0
	for _, d := range r.Documents {
		n += len(d.Entities)
	}
	return n
}

type analyzeTextResponse struct {
	Kind    string `json:"kind"`
	Results struct {
		Documents    []Document      `json:"documents"`
		Errors       []DocumentError `json:"errors"`
		ModelVersion string          `json:"modelVersion"`
	} `json:"results"`
}

// responseSchema is the part of the analyze-text response the pipeline depends on.
const responseSchema = `{
  "type": "object",
  "required": ["results"],
  "properties": {
    "results": {
      "type": "object",
      "required": ["documents"],
      "properties": {
        "documents": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["entities"],
            "properties": {
              "entities": {
                "type": "array",
                "items": {
                  "type": "object",
                  "required": ["text", "category"],
                  "properties": {
                    "text": {"type": "string"},
                    "category": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema(responseSchema)

func mustCompileSchema(s string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
	if err != nil {
		panic(err)
	}
	return schema
}

// ParseResponse validates body against the expected response shape and decodes it.
// Any deviation is a MalformedResponse failure.
func ParseResponse(body []byte) (*Result, error) {
	validation, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, failures.New(failures.MalformedResponse, "parse extraction response", err)
	}
	if !validation.Valid() {
		msgs := make([]string, 0, len(validation.Errors()))
		for _, e := range validation.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, failures.New(failures.MalformedResponse, "parse extraction response", errors.New(strings.Join(msgs, "; ")))
	}

	var resp analyzeTextResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, failures.New(failures.MalformedResponse, "parse extraction response", err)
	}

	return &Result{
		Documents: resp.Results.Documents,
		Errors:    resp.Results.Errors,
	}, nil
}
