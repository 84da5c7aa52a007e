package orchestrator

import (
	"errors"
	"math"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

// HardMaxModels caps MaxModels regardless of configuration.
const HardMaxModels = 10

type modelInput struct {
	Name     string `validate:"required"`
	Endpoint string `validate:"omitempty,safe_endpoint"`
	Provider string `validate:"max=64"`
}

type submission struct {
	Query  string       `validate:"required,query_length"`
	Models []modelInput `validate:"required,min=1,model_count,unique=Name,dive"`
	// IdempotencyKey doubles as the task id.
	IdempotencyKey string `validate:"omitempty,max=128,printascii,excludesall=/?#"`
}

type adminEntry struct {
	Model    string  `validate:"required"`
	Language string  `validate:"max=64"`
	Subject  string  `validate:"max=128"`
	TaskType string  `validate:"max=64"`
	Score    float64 `validate:"finite,gte=0"`
}

// newValidator registers the config-bound rules.
func newValidator(cfg Config) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("query_length", func(fl validator.FieldLevel) bool {
		return len([]rune(fl.Field().String())) <= cfg.MaxQueryLength
	})
	_ = v.RegisterValidation("model_count", func(fl validator.FieldLevel) bool {
		return fl.Field().Len() <= cfg.MaxModels
	})
	_ = v.RegisterValidation("safe_endpoint", func(fl validator.FieldLevel) bool {
		return checkEndpoint(fl.Field().String(), cfg.AllowedSchemes) == ""
	})
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	return v
}

// translate turns the first validator failure into a ValidationError.
func translate(err error, cfg Config) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	if strings.HasPrefix(fe.Namespace(), "submission.Models[") {
		field = "models." + field
	}
	if fe.Field() == "IdempotencyKey" {
		return invalid("idempotency_key", "must be at most 128 printable characters without /, ? or #")
	}
	switch fe.Tag() {
	case "required", "min":
		if fe.Field() == "Models" {
			return invalid("models", "at least one model is required")
		}
		return invalid(field, "is required")
	case "query_length":
		return invalid("query", "exceeds %d characters", cfg.MaxQueryLength)
	case "model_count":
		return invalid("models", "at most %d models are allowed", cfg.MaxModels)
	case "unique":
		return invalid("models", "duplicate model names")
	case "safe_endpoint":
		endpoint, _ := fe.Value().(string)
		return invalid("models.endpoint", "%s", checkEndpoint(endpoint, cfg.AllowedSchemes))
	case "finite":
		return invalid(field, "must be finite")
	case "gte":
		return invalid(field, "must be >= %s", fe.Param())
	case "max":
		return invalid(field, "is longer than %s", fe.Param())
	}
	return invalid(field, "failed %s", fe.Tag())
}

// checkEndpoint returns the reason raw is unsafe, or "" when it is fine.
func checkEndpoint(raw string, schemes []string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "is not a valid URL"
	}
	if !slices.Contains(schemes, strings.ToLower(u.Scheme)) {
		return "scheme " + quote(u.Scheme) + " is not allowed"
	}
	host := u.Hostname()
	if host == "" {
		return "has no host"
	}
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return "points at localhost"
	}
	ip := net.ParseIP(host)
	if ip == nil && numericHost(lower) {
		return "is not a canonical IP address"
	}
	if ip != nil {
		switch {
		case ip.IsLoopback():
			return "points at a loopback address"
		case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
			return "points at a link-local address"
		case ip.IsUnspecified():
			return "points at an unspecified address"
		case ip.IsMulticast():
			return "points at a multicast address"
		}
	}
	return ""
}

// numericHost reports whether every label of host is a decimal, octal or
// 0x-prefixed hex number, the shorthand forms resolvers accept for IPv4.
func numericHost(host string) bool {
	for _, label := range strings.Split(host, ".") {
		digits, base := label, "0123456789"
		if rest, ok := strings.CutPrefix(label, "0x"); ok {
			digits, base = rest, "0123456789abcdef"
		}
		if digits == "" || strings.Trim(digits, base) != "" {
			return false
		}
	}
	return true
}

func quote(s string) string { return "\"" + s + "\"" }

// SanitizeModelName keeps [A-Za-z0-9._:/@+-] and truncates to maxLen runes.
func SanitizeModelName(name string, maxLen int) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(name) {
		if maxLen > 0 && n >= maxLen {
			break
		}
		if isModelNameRune(r) {
			b.WriteRune(r)
			n++
		}
	}
	return b.String()
}

func isModelNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.ContainsRune("._:/@+-", r)
}
