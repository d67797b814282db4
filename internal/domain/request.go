package domain

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DenyListedSecretPrefixes are env-var name prefixes that additionalSecrets
// may never target (spec §4.5, §8 B4).
var DenyListedSecretPrefixes = []string{"AWS_", "OUTPOST_"}

// DispatchRequest is the caller-supplied payload for createDispatch (spec
// §3.1, §6.1). validator tags encode the boundary constraints from §3.1 and
// the boundary-behavior table in §8; ValidateDispatchRequest is the single
// validation pass the rest of the system consumes (spec §9 design notes).
type DispatchRequest struct {
	TenantID       string `validate:"required"`
	Namespace      string
	IdempotencyKey string `validate:"omitempty,max=256"`

	Agent   Agent  `validate:"required"`
	ModelID string `validate:"required"`

	Task   string `validate:"required,min=10,max=50000"`
	Repo   string
	Branch string

	ContextLevel  ContextLevel  `validate:"omitempty,oneof=minimal standard full"`
	WorkspaceMode WorkspaceMode `validate:"omitempty,oneof=none minimal full persistent"`

	TimeoutSeconds int `validate:"required,min=30,max=86400"`

	Constraints *ResourceConstraints

	Tags              map[string]string
	AdditionalSecrets map[string]string
}

var requestValidator = validator.New()

// Normalize fills in defaults for fields the caller omitted.
func (r *DispatchRequest) Normalize() {
	if r.Namespace == "" {
		r.Namespace = "default"
	}
	if r.ContextLevel == "" {
		r.ContextLevel = ContextStandard
	}
	if r.WorkspaceMode == "" {
		r.WorkspaceMode = WorkspaceNone
	}
}

// ValidateDispatchRequest runs the single validation pass for createDispatch
// (spec §4.6 step 1, §8 B1-B4). It normalizes defaults first so struct-tag
// bounds see the effective values.
func ValidateDispatchRequest(r *DispatchRequest) error {
	r.Normalize()

	if err := requestValidator.Struct(r); err != nil {
		return fmt.Errorf("%w", describeValidationError(err))
	}

	for handle := range r.AdditionalSecrets {
		upper := strings.ToUpper(handle)
		for _, denied := range DenyListedSecretPrefixes {
			if strings.HasPrefix(upper, denied) {
				return fmt.Errorf("additionalSecrets key %q is deny-listed", handle)
			}
		}
	}

	if r.Constraints != nil {
		if r.Constraints.MaxMemoryMB < 0 || r.Constraints.MaxCPUUnits < 0 || r.Constraints.MaxDiskGB < 0 {
			return fmt.Errorf("constraints must be non-negative")
		}
	}

	return nil
}

func describeValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var parts []string
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
