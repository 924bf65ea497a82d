// Package domain defines the core realtime types and interfaces.
//
// This package contains concept-oriented files (errors.go, identity.go, resource.go, stream.go, etc.)
// with shared types and the capability interfaces a stream must expose. No transport code - just contracts.
// Prevents circular imports by keeping interfaces on the consumer side.
package domain
