package model

import "time"

type SessionStatus string

const (
	SessionDisconnected SessionStatus = "disconnected"
	SessionConnecting   SessionStatus = "connecting"
	SessionQRReady      SessionStatus = "qr_ready"
	SessionConnected    SessionStatus = "connected"
)

func ParseSessionStatus(raw string) (SessionStatus, bool) {
	s := SessionStatus(raw)
	switch s {
	case SessionDisconnected, SessionConnecting, SessionQRReady, SessionConnected:
		return s, true
	}
	return SessionDisconnected, false
}

type SessionState struct {
	Status          SessionStatus `json:"status"`
	PhoneNumber     *string       `json:"phoneNumber,omitempty"`
	LastConnectedAt *time.Time    `json:"lastConnectedAt,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}
