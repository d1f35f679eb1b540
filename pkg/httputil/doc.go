// Package httputil provides the JSON response envelope, apperr to status
// mapping, request parsing helpers and shared HTTP middleware.
package httputil
