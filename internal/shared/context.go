package shared

import "context"

type companyContextKey struct{}

// ContextWithCompany stores the acting company in context.
func ContextWithCompany(ctx context.Context, companyID int64) context.Context {
	return context.WithValue(ctx, companyContextKey{}, companyID)
}

// CompanyFromContext extracts the acting company, zero when absent.
func CompanyFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(companyContextKey{}).(int64)
	return id
}
