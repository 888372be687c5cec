package agent

// State is a point-in-time copy of the agent's connection state.
// A tunnel is only ever reported while an assigned port is known.
type State struct {
	Hostname        string `json:"hostname"`
	PublicKey       string `json:"public_key,omitempty"`
	AssignedPort    int    `json:"assigned_port,omitempty"`
	HeartbeatActive bool   `json:"heartbeat_active"`
	TunnelPID       int    `json:"tunnel_pid,omitempty"`
	TunnelPort      int    `json:"tunnel_port,omitempty"`
}

// Authorized reports whether the jump server has assigned a port
func (s State) Authorized() bool {
	return s.AssignedPort > 0
}

// TunnelRunning reports whether a tunnel process handle is held
func (s State) TunnelRunning() bool {
	return s.TunnelPID != 0
}
