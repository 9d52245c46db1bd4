// Package notifier contains the core domain types for the School 21 notification relay.
package notifier

import "time"

// Notification is a single platform notification as returned by the GraphQL API.
type Notification struct {
	ID                string `json:"id"`
	RelatedObjectType string `json:"relatedObjectType"`
	RelatedObjectID   string `json:"relatedObjectId"`
	Message           string `json:"message"` // May contain HTML markup
	Time              string `json:"time"`    // ISO-8601 UTC
	GroupName         string `json:"groupName"`
	WasRead           bool   `json:"wasRead"`
}

// Campus is an entry of the platform campus list.
type Campus struct {
	ID        string `json:"id"`
	FullName  string `json:"fullName"`
	ShortName string `json:"shortName"`
}

// DefaultTimezone is used for display until the administrator picks another zone.
const DefaultTimezone = "Europe/Moscow"

// Settings is the persisted configuration record. The platform password is never part of it.
type Settings struct {
	LastUpdate   time.Time `json:"last_update"`
	Login        string    `json:"platform_login"`
	SchoolID     string    `json:"school_id"`
	CampusName   string    `json:"campus_name"`
	AdminChatID  string    `json:"admin_chat_id"`
	Timezone     string    `json:"timezone"`
	IsConfigured bool      `json:"is_configured"`
}

// Configured reports whether login, campus and recipient are all set.
func (s *Settings) Configured() bool {
	return s.Login != "" && s.SchoolID != "" && s.AdminChatID != ""
}
