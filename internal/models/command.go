package models

// RemoteCommand is a command record created by the remote side for one device.
type RemoteCommand struct {
	CommandID   string                 `json:"command_id" dynamodbav:"command_id"`
	DeviceID    string                 `json:"device_id" dynamodbav:"device_id"`
	CommandName string                 `json:"command_name" dynamodbav:"command_name"`
	Parameters  map[string]interface{} `json:"parameters" dynamodbav:"parameters"`
	IssuedAt    int64                  `json:"issued_at" dynamodbav:"issued_at"`   // unix millis
	ExpiresAt   int64                  `json:"expires_at" dynamodbav:"expires_at"` // unix millis, 0 = never
	Consumed    bool                   `json:"consumed" dynamodbav:"consumed"`
}

// Expired reports whether the command expired before nowMillis.
func (c *RemoteCommand) Expired(nowMillis int64) bool {
	return c.ExpiresAt > 0 && c.ExpiresAt < nowMillis
}

// InboxEntry mirrors a delivered command in the local store.
type InboxEntry struct {
	CommandID      string `db:"command_id" json:"command_id"`
	CommandName    string `db:"command_name" json:"command_name"`
	Parameters     []byte `db:"parameters" json:"parameters"`
	IssuedAt       int64  `db:"issued_at" json:"issued_at"`
	ReceivedAt     int64  `db:"received_at" json:"received_at"`
	HandledAt      int64  `db:"handled_at" json:"handled_at,omitempty"`
	ConsumedSynced bool   `db:"consumed_synced" json:"consumed_synced"`
	LastError      string `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for InboxEntry.
func (InboxEntry) TableName() string {
	return "command_inbox"
}

// Handled reports whether the local handler completed for this command.
func (e *InboxEntry) Handled() bool {
	return e.HandledAt > 0
}
