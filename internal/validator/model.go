package validator

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/ChuLiYu/bidspm-batch/pkg/types"
)

//go:embed schema/model.json
var modelSchemaJSON []byte

var (
	modelSchemaOnce sync.Once
	modelSchema     *openapi3.Schema
	modelSchemaErr  error
)

func loadModelSchema() (*openapi3.Schema, error) {
	modelSchemaOnce.Do(func() {
		var s openapi3.Schema
		if err := json.Unmarshal(modelSchemaJSON, &s); err != nil {
			modelSchemaErr = fmt.Errorf("decode model schema: %w", err)
			return
		}
		modelSchema = &s
	})
	return modelSchema, modelSchemaErr
}

// CheckModel verifies that the stats model file at path exists, is a JSON
// object and has the structure the stats action requires: a Name, a
// BIDSModelVersion and at least one node with Level, Name and Model.
// Transformations and other extra sections are accepted as-is.
func CheckModel(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ConfigErrorf("model file %s: %v", path, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.ConfigErrorf("model file %s is not valid JSON: %v", path, err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return types.ConfigErrorf("model file %s: top level must be an object", path)
	}

	schema, err := loadModelSchema()
	if err != nil {
		return err
	}
	if err := schema.VisitJSON(doc); err != nil {
		return types.ConfigErrorf("model file %s: %v", path, err)
	}
	return nil
}
