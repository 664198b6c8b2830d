package idm

// Reserved low channel numbers the zone agent and control plane agree on
// out of band, the way well-known ports are agreed on rather than
// negotiated. Channel numbers above these are free for zone-defined use.
const (
	ChannelConsole uint64 = iota
	ChannelMetrics
	ChannelExec
	ChannelSnoop
	ChannelExit
)
