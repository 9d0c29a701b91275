// Package models contains GORM-specific persistence models that map to
// database tables. These models are separate from domain entities to keep
// the domain layer free from ORM concerns.
//
// - sync_history.go: completed sync operations kept for auditing
// - alert.go: monitoring alerts raised by the evaluator
package models
