// Package sym defines the glyphs Mosaic uses to mark log lines by subsystem.
package sym

const (
	Job      = "▣" // job lifecycle transitions
	Worker   = "⚒" // worker pool activity
	DB       = "⛁" // database operations
	Schedule = "⏲" // scheduled job ticker
	Wire     = "⇄" // websocket / API traffic
)
