// Package observability builds the process logger and the HTTP access log
// middleware used by the enforcement gateway.
package observability
