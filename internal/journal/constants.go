package journal

// Store defaults
const (
	DefaultMaxEvents   = 200
	DefaultEventBuffer = 64
)
