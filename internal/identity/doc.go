// Package identity canonicalizes client IP and MAC addresses so that
// allowlist and time-window lookups compare stable forms.
package identity
