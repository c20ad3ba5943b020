package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// rules checks the per-field rules declared in the struct tags of Config and
// ModelProfile. Field names are reported by their json key.
var rules = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	val.RegisterValidation("port", func(fl validator.FieldLevel) bool {
		p := fl.Field().Int()
		return p >= 1 && p <= 65535
	})
	val.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	val.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		return LogLevel(fl.Field().String()).Valid()
	})
	return val
}

// Validate checks every invariant of the settings file and returns all
// violations joined together.
func (c *Config) Validate() error {
	var errs []error

	for _, svc := range Services {
		if _, ok := c.Ports[svc]; !ok {
			errs = append(errs, fmt.Errorf("ports.%s: missing", svc))
		}
		if h, ok := c.Hosts[svc]; !ok || h == "" {
			errs = append(errs, fmt.Errorf("hosts.%s: missing", svc))
		}
	}
	for _, svc := range sortedKeys(c.Ports) {
		if _, ok := c.Hosts[svc]; !ok && !isService(svc) {
			errs = append(errs, fmt.Errorf("ports.%s: no matching hosts entry", svc))
		}
	}

	if c.DefaultModel != "" && len(c.Models) > 0 {
		if _, ok := c.Models[c.DefaultModel]; !ok {
			errs = append(errs, fmt.Errorf("default_model: %q has no entry in models", c.DefaultModel))
		}
	}

	errs = append(errs, fieldErrors(rules.Struct(c))...)
	return errors.Join(errs...)
}

// fieldErrors turns validator output into "path: message" errors sorted by
// path, so map iteration order does not leak into the result.
func fieldErrors(err error) []error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return []error{err}
	}
	msgs := make([]string, 0, len(ves))
	for _, fe := range ves {
		msgs = append(msgs, fieldPath(fe.Namespace())+": "+fieldMessage(fe))
	}
	sort.Strings(msgs)
	out := make([]error, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, errors.New(m))
	}
	return out
}

// fieldPath maps "Config.models[mistral].temp" to "models.mistral.temp".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	ns = strings.ReplaceAll(ns, "[", ".")
	return strings.ReplaceAll(ns, "]", "")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "port":
		return fmt.Sprintf("%v out of range 1-65535", fe.Value())
	case "finite":
		return fmt.Sprintf("%v must be a finite number", fe.Value())
	case "gte":
		return fmt.Sprintf("%v must be >= %s", fe.Value(), fe.Param())
	case "gt":
		return fmt.Sprintf("%v must be positive", fe.Value())
	case "loglevel":
		return fmt.Sprintf("%q is not one of DEBUG, INFO, WARNING, ERROR, CRITICAL", fe.Value())
	case "required":
		return "missing"
	case "min":
		return "at least one model profile is required"
	}
	return fmt.Sprintf("failed %q", fe.Tag())
}

func isService(name string) bool {
	for _, s := range Services {
		if s == name {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
