package tenant

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	// HeaderName carries the tenant identifier on inbound requests.
	HeaderName = "X-Tenant-ID"
	// QueryParam is the fallback when the header is absent.
	QueryParam = "tenantId"

	// MaxIDLength keeps "tenant_" + id within the 63 byte Postgres identifier limit.
	MaxIDLength  = 50
	schemaPrefix = "tenant_"
)

var (
	// ErrMissingIdentifier is returned when neither header nor query carry a tenant.
	ErrMissingIdentifier = errors.New("tenant identifier missing")
	// ErrInvalidIdentifier is returned when the identifier fails validation.
	ErrInvalidIdentifier = errors.New("tenant identifier invalid")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ID is a validated tenant identifier.
type ID string

// Parse validates raw and returns it as an ID.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return "", ErrMissingIdentifier
	}
	if len(raw) > MaxIDLength || !idPattern.MatchString(raw) {
		return "", ErrInvalidIdentifier
	}
	return ID(raw), nil
}

// Resolve picks the tenant identifier from a request. A non-empty header wins
// over the query parameter.
func Resolve(header, query string) (ID, error) {
	raw := strings.TrimSpace(header)
	if raw == "" {
		raw = strings.TrimSpace(query)
	}
	return Parse(raw)
}

func (id ID) String() string { return string(id) }

// SchemaName is the deterministic schema name for the tenant. Case and
// punctuation are preserved so distinct identifiers never share a schema.
func (id ID) SchemaName() string {
	return schemaPrefix + string(id)
}

// Schema returns the quoted schema identifier, safe to splice into DDL.
func (id ID) Schema() string {
	return pgx.Identifier{id.SchemaName()}.Sanitize()
}

type contextKey struct{}

// WithID stores the tenant identifier on the request context.
func WithID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the tenant identifier stored by WithID.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(contextKey{}).(ID)
	return id, ok && id != ""
}
