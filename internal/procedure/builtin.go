package procedure

import (
	"context"
	"fmt"

	"tracerun/internal/run/models"
	"tracerun/internal/verifier"
)

// Built-in script IDs.
const (
	FileHashID     = "proof.file_hash"
	ConfigFormatID = "proof.config_format"
)

// FileHashSpec checks size and SHA-256 of every artifact.
func FileHashSpec() Spec {
	return Spec{
		ID:          FileHashID,
		Name:        "File Hash Validator",
		Description: "Validates file integrity by checking SHA-256 hash",
		Version:     "1.0.0",
		RunType:     models.RunTypeProof,
		Policy:      verifier.Policy{AllowEmpty: true},
	}
}

// ConfigFormatSpec additionally parses each artifact as JSON, YAML, TOML or
// INI, chosen by file extension.
func ConfigFormatSpec() Spec {
	return Spec{
		ID:          ConfigFormatID,
		Name:        "Config Format Validator",
		Description: "Validates configuration file format and basic structure",
		Version:     "1.0.0",
		RunType:     models.RunTypeProof,
		Policy:      verifier.Policy{Format: verifier.FormatAuto},
	}
}

// NewDefaultRegistry returns a registry holding the built-in procedures.
func NewDefaultRegistry(v *verifier.Verifier) *Registry {
	r := NewRegistry()
	for _, spec := range []Spec{FileHashSpec(), ConfigFormatSpec()} {
		if err := r.Register(NewProof(spec, v)); err != nil {
			panic(fmt.Sprintf("register built-in procedure: %v", err))
		}
	}
	return r
}

// Action is a registered action script. Sandboxed execution is not
// supported, so every action run fails with a fixed outcome.
type Action struct {
	spec Spec
}

func NewAction(spec Spec) *Action {
	spec.RunType = models.RunTypeAction
	return &Action{spec: spec}
}

func (a *Action) Spec() Spec { return a.spec }

func (a *Action) Execute(_ context.Context, _ Input) (Outcome, error) {
	return Outcome{
		Status: models.RunStatusFailed,
		Result: models.Result{
			Verdict: models.VerdictFailed,
			Summary: "Action runs not yet implemented",
			Reason:  "not_implemented",
		},
		Log:              "Action run execution is not yet implemented",
		ValidatorVersion: a.spec.Version,
	}, nil
}
