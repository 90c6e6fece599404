package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const StorageAreaKey contextKey = "storage_area"

// DefaultStorageArea is used when a request carries no X-Storage-Area
// header.
const DefaultStorageArea = "main"

// StorageArea middleware resolves the storage area a request operates on
// from the X-Storage-Area header, falling back to the default area.
func StorageArea(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		area := r.Header.Get("X-Storage-Area")
		if area == "" {
			area = DefaultStorageArea
		}
		ctx := context.WithValue(r.Context(), StorageAreaKey, area)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetStorageArea extracts the storage area from the request context.
func GetStorageArea(ctx context.Context) string {
	if area, ok := ctx.Value(StorageAreaKey).(string); ok {
		return area
	}
	return DefaultStorageArea
}
