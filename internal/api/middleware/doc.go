// Package middleware provides gin middleware for the debug HTTP server:
// request rate limiting and structured request logging.
package middleware
