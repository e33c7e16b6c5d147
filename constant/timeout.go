package constant

import "time"

const (
	StartTimeout    = 10 * time.Second
	StopTimeout     = 5 * time.Second
	ProtectTimeout  = 3 * time.Second
	DBusCallTimeout = 3 * time.Second
)
