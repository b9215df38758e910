// Package precision resolves mixed-precision policy strings into the
// numeric types used for parameter storage, forward/backward compute, and
// optimizer accumulators.
//
// A policy string enumerates role=dtype pairs, e.g. "p=f32,c=bf16,o=f32".
// Roles: p/param, c/compute, o/optimizer. Dtypes: f32, bf16, f16.
package precision

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownRole reports a role the policy grammar does not define.
	ErrUnknownRole = errors.New("unknown precision role")
	// ErrUnknownType reports a dtype outside {f32, bf16, f16}.
	ErrUnknownType = errors.New("unknown precision type")
	// ErrUnstable reports a policy that would accumulate in reduced
	// precision (params or optimizer state below f32).
	ErrUnstable = errors.New("numerically unstable precision policy")
)

// DType is a storage precision for tensor data.
type DType string

const (
	F32  DType = "f32"
	BF16 DType = "bf16"
	F16  DType = "f16"
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	if d == F32 {
		return 4
	}
	return 2
}

// Policy maps tensor roles to storage precision.
type Policy struct {
	Param     DType
	Compute   DType
	Optimizer DType
}

// Default is full precision everywhere.
func Default() Policy {
	return Policy{Param: F32, Compute: F32, Optimizer: F32}
}

// Parse resolves a policy string. The empty string yields Default().
// Parameter and optimizer storage must stay f32: gradients and second
// moments are accumulated across a full batch, and reduced-precision
// accumulation drifts.
func Parse(s string) (Policy, error) {
	pol := Default()
	if s == "" {
		return pol, nil
	}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		role, dtype, ok := strings.Cut(field, "=")
		if !ok {
			return Policy{}, fmt.Errorf("%w: %q has no '='", ErrUnknownRole, field)
		}
		dt, err := parseDType(strings.TrimSpace(dtype))
		if err != nil {
			return Policy{}, err
		}
		switch strings.TrimSpace(role) {
		case "p", "param":
			pol.Param = dt
		case "c", "compute":
			pol.Compute = dt
		case "o", "optimizer":
			pol.Optimizer = dt
		default:
			return Policy{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
	}
	if pol.Param != F32 {
		return Policy{}, fmt.Errorf("%w: param storage %s", ErrUnstable, pol.Param)
	}
	if pol.Optimizer != F32 {
		return Policy{}, fmt.Errorf("%w: optimizer storage %s", ErrUnstable, pol.Optimizer)
	}
	return pol, nil
}

func parseDType(s string) (DType, error) {
	switch DType(s) {
	case F32, BF16, F16:
		return DType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

// String renders the policy in the canonical parseable form.
func (p Policy) String() string {
	return fmt.Sprintf("p=%s,c=%s,o=%s", p.Param, p.Compute, p.Optimizer)
}
