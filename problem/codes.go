package problem

import "errors"

// Code is a stable, machine-readable error identifier emitted by the backend.
type Code string

// Auth codes.
const (
	CodeUnauthorized   Code = "AUTH_001"
	CodeForbidden      Code = "AUTH_002"
	CodeSessionExpired Code = "AUTH_003"
	CodeCSRFInvalid    Code = "AUTH_004"
)

// Validation codes.
const (
	CodeValidation    Code = "VAL_001"
	CodeInvalidFormat Code = "VAL_002"
	CodeMissingField  Code = "VAL_003"
)

// Resource codes.
const (
	CodeNotFound      Code = "RES_001"
	CodeAlreadyExists Code = "RES_002"
	CodeConflict      Code = "RES_003"
)

// Business, external and server codes.
const (
	CodeRuleViolation Code = "BIZ_001"
	CodeQuotaExceeded Code = "BIZ_002"

	CodeExternalService Code = "EXT_001"

	CodeInternal    Code = "SRV_001"
	CodeUnavailable Code = "SRV_002"

	// CodeUnknown marks a payload in the legacy, pre-taxonomy format.
	CodeUnknown Code = "UNKNOWN"
)

// Category groups codes into the families callers branch on.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryValidation Category = "validation"
	CategoryResource   Category = "resource"
	CategoryBusiness   Category = "business"
	CategoryExternal   Category = "external"
	CategoryServer     Category = "server"
	CategoryNetwork    Category = "network"
	CategoryUnknown    Category = "unknown"
)

var codeCategories = map[Code]Category{
	CodeUnauthorized:    CategoryAuth,
	CodeForbidden:       CategoryAuth,
	CodeSessionExpired:  CategoryAuth,
	CodeCSRFInvalid:     CategoryAuth,
	CodeValidation:      CategoryValidation,
	CodeInvalidFormat:   CategoryValidation,
	CodeMissingField:    CategoryValidation,
	CodeNotFound:        CategoryResource,
	CodeAlreadyExists:   CategoryResource,
	CodeConflict:        CategoryResource,
	CodeRuleViolation:   CategoryBusiness,
	CodeQuotaExceeded:   CategoryBusiness,
	CodeExternalService: CategoryExternal,
	CodeInternal:        CategoryServer,
	CodeUnavailable:     CategoryServer,
}

// Known reports whether c belongs to the closed taxonomy.
func (c Code) Known() bool {
	_, ok := codeCategories[c]
	return ok
}

// Category returns the family c belongs to, or CategoryUnknown.
func (c Code) Category() Category {
	if cat, ok := codeCategories[c]; ok {
		return cat
	}

	return CategoryUnknown
}

// Sentinels matched by errors.Is against a *Problem's category.
var (
	ErrAuth       = errors.New("auth error")
	ErrValidation = errors.New("validation error")
	ErrResource   = errors.New("resource error")
	ErrBusiness   = errors.New("business error")
	ErrExternal   = errors.New("external service error")
	ErrServer     = errors.New("server error")
	ErrUnknown    = errors.New("unknown error")

	// ErrNetwork is never carried by a *Problem. It marks failures that
	// produced no response at all; see IsNetwork.
	ErrNetwork = errors.New("network error")
)

var categorySentinels = map[Category]error{
	CategoryAuth:       ErrAuth,
	CategoryValidation: ErrValidation,
	CategoryResource:   ErrResource,
	CategoryBusiness:   ErrBusiness,
	CategoryExternal:   ErrExternal,
	CategoryServer:     ErrServer,
	CategoryUnknown:    ErrUnknown,
}
