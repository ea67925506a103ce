package models

import "time"

// TunnelStatus is the health snapshot published by the status service.
type TunnelStatus struct {
	AgentID       string        `json:"agent_id"`
	Host          string        `json:"host"`
	State         TunnelState   `json:"state"`
	WatchdogState WatchdogState `json:"watchdog_state"`
	Repairs       int64         `json:"repairs"`
	Timestamp     time.Time     `json:"timestamp"`
}
