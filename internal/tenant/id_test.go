package tenant

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    ID
		wantErr error
	}{
		{name: "header wins", header: "acme", query: "globex", want: "acme"},
		{name: "query fallback", query: "globex", want: "globex"},
		{name: "blank header falls back", header: "   ", query: "globex", want: "globex"},
		{name: "dash and underscore", header: "acme-eu_1", want: "acme-eu_1"},
		{name: "neither", wantErr: ErrMissingIdentifier},
		{name: "invalid header not rescued by query", header: "acme;drop", query: "globex", wantErr: ErrInvalidIdentifier},
		{name: "quote", header: `ac"me`, wantErr: ErrInvalidIdentifier},
		{name: "space inside", query: "ac me", wantErr: ErrInvalidIdentifier},
		{name: "unicode", header: "acmé", wantErr: ErrInvalidIdentifier},
		{name: "too long", header: strings.Repeat("a", MaxIDLength+1), wantErr: ErrInvalidIdentifier},
		{name: "max length", header: strings.Repeat("a", MaxIDLength), want: ID(strings.Repeat("a", MaxIDLength))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.header, tt.query)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSchemaNameIsInjective(t *testing.T) {
	ids := []ID{"acme", "Acme", "ac-me", "ac_me", "acme1"}
	seen := map[string]ID{}
	for _, id := range ids {
		name := id.SchemaName()
		prev, dup := seen[name]
		require.Falsef(t, dup, "%q and %q share schema %q", prev, id, name)
		seen[name] = id
	}
	assert.Equal(t, "tenant_acme", ID("acme").SchemaName())
	assert.Equal(t, `"tenant_ac-me"`, ID("ac-me").Schema())
	assert.LessOrEqual(t, len(ID(strings.Repeat("a", MaxIDLength)).SchemaName()), 63)
}

func TestContextRoundTrip(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx := WithID(context.Background(), "acme")
	id, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, ID("acme"), id)

	other := WithID(context.Background(), "globex")
	id, _ = FromContext(ctx)
	require.Equal(t, ID("acme"), id, "contexts must not share tenant state")
	id, _ = FromContext(other)
	require.Equal(t, ID("globex"), id)
}
