// Package governance holds the runtime safety controls applied in front of
// policy execution: per-caller rate limiting and the execution deadline.
package governance
