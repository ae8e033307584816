package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

type tenantKey struct{}

// withTenant returns a context carrying the tenant a request is scoped to.
// send attaches it as the X-Tenant-Id header.
func withTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

func tenantFrom(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey{}).(string)
	return t, ok && t != ""
}

func asStatusError(err error, target **StatusError) bool {
	return errors.As(err, target)
}

func encodeJSON(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}
