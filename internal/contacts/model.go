package contacts

const (
	// AssistantID is the synthetic assistant peer present in every contact list.
	AssistantID = "bavard-assistant"
	// BroadcastID is the system broadcast peer. It sends but never receives.
	BroadcastID = "bavard-broadcast"

	assistantDisplayName = "Assistant"
	broadcastDisplayName = "BAVARD"
)

// Edge is one direction of a symmetric contact relationship.
type Edge struct {
	OwnerID     string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	ContactID   string `gorm:"column:contact_id;primaryKey;size:190;not null;index"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Edge) TableName() string {
	return "contact_edges"
}

// Contact is an entry of a user's contact list.
type Contact struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Reserved    bool   `json:"reserved,omitempty"`
}

// IsReserved reports whether userID is one of the built-in peers.
func IsReserved(userID string) bool {
	return userID == AssistantID || userID == BroadcastID
}

// ReservedDisplayName names the built-in peers.
func ReservedDisplayName(userID string) (string, bool) {
	switch userID {
	case AssistantID:
		return assistantDisplayName, true
	case BroadcastID:
		return broadcastDisplayName, true
	default:
		return "", false
	}
}

// EdgeState is the observed state of both directions of a pair.
type EdgeState int

const (
	EdgeAbsent EdgeState = iota
	EdgePartial
	EdgePresent
)

// ChangeNotice is published to both users when an edge is created or removed.
type ChangeNotice struct {
	OwnerID   string `json:"owner_id"`
	ContactID string `json:"contact_id"`
	Added     bool   `json:"added"`
}
