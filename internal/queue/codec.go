package queue

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"
)

// FormatVersion is the version written to every saved queue.
const FormatVersion = 1

var (
	// ErrUnsupportedVersion is returned for a queue written by a newer release.
	ErrUnsupportedVersion = errors.New("unsupported queue format version")
	// ErrCorrupt is returned for bytes that do not form a queue document.
	ErrCorrupt = errors.New("corrupt queue data")
)

//go:embed schema/queue.schema.json
var schemaJSON []byte

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile queue schema: %w", err)
	}
	return schema, nil
})

type document struct {
	Version int      `json:"version"`
	Actions []Action `json:"actions"`
}

type legacyAction struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode renders actions in the versioned disk format as canonical JSON.
func Encode(actions []Action) ([]byte, error) {
	if actions == nil {
		actions = []Action{}
	}
	raw, err := json.Marshal(document{Version: FormatVersion, Actions: actions})
	if err != nil {
		return nil, fmt.Errorf("marshal queue: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize queue: %w", err)
	}
	return canonical, nil
}

// Decode parses a saved queue. Empty input is an empty queue. Bare arrays
// written before the format was versioned are upgraded in memory.
func Decode(data []byte) ([]Action, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '[' {
		return decodeLegacy(data)
	}

	var header struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if result := schema.ValidateJSON(data); !result.IsValid() {
		return nil, fmt.Errorf("%w: schema validation failed: %v", ErrCorrupt, result.Errors)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	for i, a := range doc.Actions {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: action %d: %v", ErrCorrupt, i, err)
		}
	}
	return doc.Actions, nil
}

func decodeLegacy(data []byte) ([]Action, error) {
	var entries []legacyAction
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	actions := make([]Action, 0, len(entries))
	for i, e := range entries {
		a := Action{Kind: e.Type}
		var target any
		switch e.Type {
		case KindCreate:
			a.Create = &CreateAction{}
			target = a.Create
		case KindTrial:
			a.Trial = &TrialAction{}
			target = a.Trial
		case KindFinalize:
			a.Finalize = &FinalizeAction{}
			target = a.Finalize
		default:
			return nil, fmt.Errorf("%w: legacy action %d: %v", ErrCorrupt, i, fmt.Errorf("%w: type %q", ErrUnknownAction, e.Type))
		}
		if err := json.Unmarshal(e.Payload, target); err != nil {
			return nil, fmt.Errorf("%w: legacy action %d: %v", ErrCorrupt, i, err)
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: legacy action %d: %v", ErrCorrupt, i, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}
