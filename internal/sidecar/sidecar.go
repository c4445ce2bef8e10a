// Package sidecar reads and validates the JSON metadata file that rides
// alongside each audio file (spec.md §4.3 step 2, §6 "Sidecar metadata
// format"). For audio file X.mp3 the coordinator reads X.json and
// requires sql_params.language to be a non-empty string; any other
// shape fails the claim.
package sidecar

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Metadata is the sidecar JSON document's validated shape.
type Metadata struct {
	SQLParams SQLParams `json:"sql_params" validate:"required"`
}

// SQLParams carries the fields the dispatch API needs out of the
// sidecar; sql_params may carry other application fields we don't
// care about, so json.Unmarshal simply ignores them.
type SQLParams struct {
	Language string `json:"language" validate:"required"`
}

var validate = validator.New()

// ErrMissing means no sidecar file exists at the expected path.
var ErrMissing = errors.New("sidecar: metadata file missing")

// ErrMalformed means the sidecar exists but is not valid JSON, or fails
// the required-field validation.
var ErrMalformed = errors.New("sidecar: metadata malformed")

// PathFor derives the sidecar path for an audio file: same directory
// and basename, extension replaced with .json.
func PathFor(audioPath string) string {
	ext := filepath.Ext(audioPath)
	base := strings.TrimSuffix(audioPath, ext)
	return base + ".json"
}

// Load reads and validates the sidecar for audioPath, returning the
// parsed Metadata (language in SQLParams.Language) on success.
func Load(audioPath string) (Metadata, error) {
	raw, err := os.ReadFile(PathFor(audioPath))
	if errors.Is(err, os.ErrNotExist) {
		return Metadata{}, ErrMissing
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(meta.SQLParams.Language) == "" {
		return Metadata{}, fmt.Errorf("%w: sql_params.language is blank", ErrMalformed)
	}
	return meta, nil
}
