package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/reglet-dev/reglet-runtime/domain/entities"
	rterrors "github.com/reglet-dev/reglet-runtime/domain/errors"
	"github.com/reglet-dev/reglet-runtime/domain/semver"
)

// validate is a package-level singleton; building a validator is expensive.
var validate = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
		return semver.Valid(fl.Field().String())
	})
	_ = v.RegisterValidation("semverrange", func(fl validator.FieldLevel) bool {
		return semver.ValidRange(fl.Field().String())
	})
	return v
}

// Struct validates any tagged struct and returns its field failures.
func Struct(s any) []entities.ValidationError {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []entities.ValidationError{{Message: err.Error()}}
	}
	out := make([]entities.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, entities.ValidationError{
			Field:   fieldPath(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return out
}

// StructError validates s and wraps failures in a ValidationError about subject.
func StructError(subject string, s any) error {
	fields := Struct(s)
	if len(fields) == 0 {
		return nil
	}
	return &rterrors.ValidationError{Subject: subject, Fields: fields}
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "semver":
		return fmt.Sprintf("%q is not a semantic version", fe.Value())
	case "semverrange":
		return fmt.Sprintf("%q is not a version range", fe.Value())
	case "oneof":
		return "must be one of " + fe.Param()
	case "url":
		return "must be a URL"
	case "max":
		return "must be at most " + fe.Param()
	case "gte":
		return "must be >= " + fe.Param()
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// Manifest checks the rules every registered manifest must follow: required
// fields, semver version, parseable ranges and a safe entry-point path.
func Manifest(m *entities.Manifest) *entities.ValidationResult {
	res := &entities.ValidationResult{Valid: true}
	if m == nil {
		res.Add("", "manifest is required")
		return res
	}
	for _, fe := range Struct(m) {
		res.Add(fe.Field, fe.Message)
	}
	if m.HostCompatibilityRange != "" && !semver.ValidRange(m.HostCompatibilityRange) {
		res.Add("hostCompatibilityRange", fmt.Sprintf("%q is not a version range", m.HostCompatibilityRange))
	}
	for i, d := range m.Dependencies {
		if d.VersionRange != "" && !semver.ValidRange(d.VersionRange) {
			res.Add(fmt.Sprintf("dependencies[%d].versionRange", i), fmt.Sprintf("%q is not a version range", d.VersionRange))
		}
	}
	seen := make(map[string]bool, len(m.Permissions))
	for i, p := range m.Permissions {
		if seen[p.ID] {
			res.Add(fmt.Sprintf("permissions[%d].id", i), fmt.Sprintf("duplicate permission %q", p.ID))
		}
		seen[p.ID] = true
	}
	return res
}

// ManifestError returns a ValidationError wrapping ErrInvalidManifest when m is invalid.
func ManifestError(m *entities.Manifest) error {
	res := Manifest(m)
	if res.Valid {
		return nil
	}
	subject := ""
	if m != nil {
		subject = m.Name
	}
	return rterrors.NewManifestError(subject, res.Errors...)
}
