package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	v.RegisterStructValidation(validatePool, PoolConfig{})
	v.RegisterStructValidation(validateQueue, QueueConfig{})
	v.RegisterStructValidation(validateWorkspace, WorkspaceConfig{})
	return v
}

// validatePool enforces minIdle <= maxIdle <= maxObjects for the bounds
// that are set.
func validatePool(sl validator.StructLevel) {
	p := sl.Current().Interface().(PoolConfig)
	if p.MaxObjects > 0 && p.MaxIdle > p.MaxObjects {
		sl.ReportError(p.MaxIdle, "maxIdle", "MaxIdle", "ltefield", "maxObjects")
	}
	if p.MaxIdle > 0 && p.MinIdle > p.MaxIdle {
		sl.ReportError(p.MinIdle, "minIdle", "MinIdle", "ltefield", "maxIdle")
	}
	if p.MaxWait < 0 || p.MinEvictableIdle < 0 {
		sl.ReportError(p.MaxWait, "maxWait", "MaxWait", "gte", "0")
	}
}

func validateQueue(sl validator.StructLevel) {
	q := sl.Current().Interface().(QueueConfig)
	if q.Backend == "redis" && q.RedisURL == "" {
		sl.ReportError(q.RedisURL, "redisURL", "RedisURL", "required_with", "backend=redis")
	}
}

// validateWorkspace checks references between connectors, resources and
// profiles.
func validateWorkspace(sl validator.StructLevel) {
	ws := sl.Current().Interface().(WorkspaceConfig)
	for name, r := range ws.Resources {
		if _, ok := ws.Connectors[r.Connector]; !ok {
			sl.ReportError(r.Connector, "resources["+name+"].connector", "Connector", "connector", r.Connector)
		}
		seen := make(map[string]bool, len(r.Provisions))
		for _, p := range r.Provisions {
			if seen[p.AnyType] {
				sl.ReportError(p.AnyType, "resources["+name+"].provisions", "Provisions", "unique_any_type", p.AnyType)
			}
			seen[p.AnyType] = true
		}
	}
	for name, p := range ws.Profiles {
		if _, ok := ws.Resources[p.Resource]; !ok {
			sl.ReportError(p.Resource, "profiles["+name+"].resource", "Resource", "resource", p.Resource)
		}
	}
}

// convertValidatorErrors flattens validator errors into ValidationErrors.
func convertValidatorErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Path:    trimRoot(fe.Namespace()),
			Message: describe(fe),
		})
	}
	return out
}

func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_with":
		return fmt.Sprintf("is required when %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "min":
		return fmt.Sprintf("needs at least %s entries", fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("must be %s %s", fe.Tag(), fe.Param())
	case "ltefield":
		return fmt.Sprintf("must not exceed %s", fe.Param())
	case "schedule":
		return fmt.Sprintf("invalid cron schedule %q", fe.Value())
	case "connector":
		return fmt.Sprintf("unknown connector %q", fe.Param())
	case "resource":
		return fmt.Sprintf("unknown resource %q", fe.Param())
	case "unique_any_type":
		return fmt.Sprintf("any-type %s is provisioned twice", fe.Param())
	case "excluded_with":
		return "rule and attributes are mutually exclusive"
	default:
		return fmt.Sprintf("failed on %s %s", fe.Tag(), fe.Param())
	}
}
