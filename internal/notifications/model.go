package notifications

// KindNewMessage is the only notification kind recorded today.
const KindNewMessage = "new_message"

// Notification is one entry of a recipient's inbox. Only Read ever changes.
type Notification struct {
	NotificationID    string `gorm:"column:notification_id;primaryKey;size:64;not null" json:"id"`
	RecipientID       string `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient_time,priority:1" json:"recipient_id"`
	Kind              string `gorm:"column:kind;size:32;not null" json:"kind"`
	SenderID          string `gorm:"column:sender_id;size:190;not null" json:"sender_id"`
	SenderDisplayName string `gorm:"column:sender_display_name;size:320;not null;default:''" json:"sender_display_name"`
	ConversationID    string `gorm:"column:conversation_id;size:400;not null" json:"conversation_id"`
	CreatedAtMs       int64  `gorm:"column:created_at_ms;not null;index:idx_notifications_recipient_time,priority:2" json:"created_at_ms"`
	Read              bool   `gorm:"column:is_read;not null;default:false" json:"read"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}
