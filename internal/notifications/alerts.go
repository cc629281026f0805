package notifications

import "sync"

// AlertTracker decides when a live client should play its audible alert:
// once per unread notification id, however often that notification is delivered.
type AlertTracker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewAlertTracker() *AlertTracker {
	return &AlertTracker{seen: make(map[string]struct{})}
}

// ShouldAlert reports true the first time an unread notification is observed.
func (t *AlertTracker) ShouldAlert(notification Notification) bool {
	if notification.Read || notification.NotificationID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[notification.NotificationID]; ok {
		return false
	}
	t.seen[notification.NotificationID] = struct{}{}
	return true
}

// Seen reports how many distinct notifications have alerted.
func (t *AlertTracker) Seen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}
