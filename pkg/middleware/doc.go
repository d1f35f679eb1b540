// Package middleware provides HTTP middleware for caller identity and request IDs.
//
// IdentityMiddleware trusts the X-User-ID and X-Organization-ID headers set by
// the authentication gateway and stores an explicit Identity in the request
// context:
//
//	router.Use(middleware.RequestIDMiddleware(logger))
//	router.Use(middleware.NewIdentityMiddleware(false).Handler)
//
//	id, ok := middleware.GetIdentity(r)
package middleware
