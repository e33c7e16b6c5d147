package option

import "github.com/sagernet/sing/common/json/badoption"

type PlatformOptions struct {
	SessionName    string               `json:"session_name,omitempty"`
	ProtectTimeout badoption.Duration   `json:"protect_timeout,omitempty"`
	Notification   *NotificationOptions `json:"notification,omitempty"`
}

type NotificationOptions struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}
