package platform

import E "github.com/sagernet/sing/common/exceptions"

var (
	ErrProtectFailed       = E.New("socket protection failed")
	ErrTunnelEstablishment = E.New("tunnel establishment failed")
)
