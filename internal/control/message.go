package control

import (
	"encoding/json"
	"net"
)

// Status message texts.
const (
	MsgSpawned        = "spawned"
	MsgAlreadyRunning = "already running"
	MsgSpawnFailed    = "spawn failed"
	MsgExited         = "already exited"
)

// StatusMessage is the single JSON line written back for every trigger.
// Error is encoded as null when there is no error.
type StatusMessage struct {
	Message       string  `json:"message"`
	Spawned       bool    `json:"spawned"`
	Error         *string `json:"error"`
	CallerAddress string  `json:"myAddress"`
}

func newStatus(msg string, spawned bool, err error, peer net.Addr) StatusMessage {
	m := StatusMessage{Message: msg, Spawned: spawned, CallerAddress: callerAddress(peer)}
	if err != nil {
		s := err.Error()
		m.Error = &s
	}
	return m
}

// Encode returns the UTF-8 JSON encoding followed by a newline.
func (m StatusMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return append(b, '\n')
}

// callerAddress is the peer host without the port.
func callerAddress(a net.Addr) string {
	if a == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}
