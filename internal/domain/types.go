package domain

import "time"

// Schedule is a recurring deep-research request owned by a workspace user.
// LastRun is nil until the first successful execution and is only ever
// advanced by a successful one.
type Schedule struct {
	ID          string
	WorkspaceID string
	UserID      string
	ChannelID   string
	Prompt      string
	CronExpr    string
	Timezone    string // IANA name, e.g. "America/New_York"
	LastRun     *time.Time
	Active      bool
	Failures    int // consecutive research failures
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OutboxMessage is one pending delivery. Body is final text, posted verbatim.
type OutboxMessage struct {
	ID          string
	WorkspaceID string
	ChannelID   string
	Body        string
	Delivered   bool
	CreatedAt   time.Time
}
