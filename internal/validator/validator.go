// Package validator checks agency subdomains before a provisioning job is
// created.
package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/teresa-solution/agency-provisioning-service/internal/config"
	"github.com/teresa-solution/agency-provisioning-service/internal/fault"
)

// reservedWords can never be used as a subdomain.
var reservedWords = map[string]struct{}{
	"admin": {}, "api": {}, "www": {}, "app": {}, "mail": {}, "smtp": {},
	"ftp": {}, "static": {}, "assets": {}, "cdn": {}, "support": {},
	"help": {}, "status": {}, "blog": {}, "docs": {}, "dev": {},
	"staging": {}, "test": {}, "dashboard": {}, "billing": {}, "login": {},
	"auth": {}, "root": {}, "system": {}, "internal": {}, "console": {},
}

const maxAgencyNameLength = 255

// NameLookup reports whether a subdomain or database name is already held by
// a live registry entry or a non-failed provisioning job.
type NameLookup interface {
	NameTaken(ctx context.Context, subdomain, databaseName string) (bool, error)
}

// Accepted is a normalized, validated subdomain.
type Accepted struct {
	Subdomain    string
	DatabaseName string
}

// Validator applies the subdomain rules in order and stops at the first
// failure.
type Validator struct {
	minLen   int
	maxLen   int
	blocked  []string
	suffixes []string
	dbPrefix string
	lookup   NameLookup
}

// New creates a Validator. lookup may be nil, in which case the uniqueness
// rule is skipped.
func New(cfg config.ValidatorConfig, lookup NameLookup) *Validator {
	v := &Validator{
		minLen:   cfg.MinSubdomainLength,
		maxLen:   cfg.MaxSubdomainLength,
		dbPrefix: cfg.DatabasePrefix,
		lookup:   lookup,
	}
	for _, term := range cfg.BlockedTerms {
		if term = strings.ToLower(strings.TrimSpace(term)); term != "" {
			v.blocked = append(v.blocked, term)
		}
	}
	for _, s := range cfg.DomainSuffixes {
		if s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), "."); s != "" {
			v.suffixes = append(v.suffixes, s)
		}
	}
	return v
}

// Validate checks subdomain and agencyName. The subdomain may be a bare label
// or a fully qualified name under one of the configured suffixes.
func (v *Validator) Validate(ctx context.Context, subdomain, agencyName string) (Accepted, error) {
	name := strings.TrimSpace(agencyName)
	if name == "" {
		return Accepted{}, fault.Validation(fault.ReasonInvalidField, "agency name is required")
	}
	if len(name) > maxAgencyNameLength {
		return Accepted{}, fault.Validation(fault.ReasonInvalidField, "agency name is too long")
	}

	input := strings.ToLower(strings.TrimSpace(subdomain))
	label, rest, qualified := strings.Cut(input, ".")

	if err := v.CheckLabel(label); err != nil {
		return Accepted{}, err
	}
	if qualified && !v.allowedSuffix(rest) {
		return Accepted{}, fault.Validation(fault.ReasonDomainSuffix, fmt.Sprintf("domain %q is not under an allowed suffix", input))
	}

	accepted := Accepted{Subdomain: label, DatabaseName: v.DatabaseName(label)}
	if v.lookup != nil {
		taken, err := v.lookup.NameTaken(ctx, accepted.Subdomain, accepted.DatabaseName)
		if err != nil {
			return Accepted{}, fault.Transient("validate uniqueness", err)
		}
		if taken {
			return Accepted{}, fault.Validation(fault.ReasonDuplicate, fmt.Sprintf("subdomain %q is already taken", label))
		}
	}
	return accepted, nil
}

// CheckLabel applies the length, charset, reserved and blocked rules to a
// single lower-case label.
func (v *Validator) CheckLabel(label string) error {
	if n := len(label); n < v.minLen || n > v.maxLen {
		return fault.Validation(fault.ReasonLength,
			fmt.Sprintf("subdomain must be between %d and %d characters", v.minLen, v.maxLen))
	}
	if !validCharset(label) {
		return fault.Validation(fault.ReasonCharset,
			"subdomain may contain only lowercase letters, digits and inner hyphens")
	}
	if _, ok := reservedWords[label]; ok {
		return fault.Validation(fault.ReasonReserved, fmt.Sprintf("subdomain %q is reserved", label))
	}
	for _, term := range v.blocked {
		if strings.Contains(label, term) {
			return fault.Validation(fault.ReasonBlocked, fmt.Sprintf("subdomain %q contains a blocked term", label))
		}
	}
	return nil
}

// DatabaseName derives the tenant database name from a validated label.
// Labels never contain underscores, so the mapping is injective.
func (v *Validator) DatabaseName(label string) string {
	return v.dbPrefix + strings.ReplaceAll(label, "-", "_")
}

func (v *Validator) allowedSuffix(rest string) bool {
	for _, s := range v.suffixes {
		if rest == s {
			return true
		}
	}
	return false
}

func validCharset(label string) bool {
	if label == "" || label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' {
			return false
		}
	}
	return true
}
