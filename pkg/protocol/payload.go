package protocol

import (
	"encoding/json"
	"time"
)

// Payloads shared by the server and the client library. Field names follow
// the wire format.

// ErrorPayload is the body of ERROR replies.
type ErrorPayload struct {
	Reason  string     `json:"reason"`
	Command PacketType `json:"command"`
}

// OKPayload is the body of OK replies to control commands.
type OKPayload struct {
	Command PacketType `json:"command"`
	TaskID  string     `json:"task_id,omitempty"`
	Name    string     `json:"name,omitempty"`
}

// InitPayload is exchanged after the upgrade.
type InitPayload struct {
	CID          string   `json:"cid,omitempty"`
	SID          string   `json:"sid,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AuthPayload carries the admin key.
type AuthPayload struct {
	Key string `json:"key"`
}

// SubscribePayload subscribes to or unsubscribes from an event.
type SubscribePayload struct {
	ID     string          `json:"id"`
	Filter json.RawMessage `json:"filter,omitempty"`
}

// TriggerPayload triggers an event. Echo delivers it back to the sender.
type TriggerPayload struct {
	ID      string          `json:"id"`
	Data    json.RawMessage `json:"data,omitempty"`
	Trigger string          `json:"trigger,omitempty"`
	Echo    bool            `json:"echo,omitempty"`
}

// EventPayload delivers a triggered event.
type EventPayload struct {
	ID      string          `json:"id"`
	Trigger string          `json:"trigger"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// LogPayload is the body of LOG and DEBUG packets.
type LogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
	Name    string `json:"name,omitempty"`
}

// ShutdownPayload requests a shutdown after Delay seconds.
type ShutdownPayload struct {
	Delay int `json:"delay,omitempty"`
}

// ExecRequest is the body of DELAY, SCHEDULE and EXEC commands.
type ExecRequest struct {
	Tag     string            `json:"tag,omitempty"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Params  json.RawMessage   `json:"params,omitempty"`
	// Delay in seconds for DELAY.
	Delay int `json:"delay,omitempty"`
	// When is a unix time for SCHEDULE; Cron is a schedule expression.
	When      int64  `json:"when,omitempty"`
	Cron      string `json:"cron,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
	Overwrite bool   `json:"overwrite,omitempty"`
}

// CancelRequest cancels a task by id or every task of a tag.
type CancelRequest struct {
	ID  string `json:"id,omitempty"`
	Tag string `json:"tag,omitempty"`
}

// ServiceRequest names a service for ENABLE, DISABLE, SERVICE and KILL.
type ServiceRequest struct {
	Name string `json:"name"`
}

// SpawnRequest starts a dynamic service owned by the sender.
type SpawnRequest struct {
	Name         string            `json:"name"`
	Command      string            `json:"command"`
	Args         []string          `json:"args,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Config       json.RawMessage   `json:"config,omitempty"`
	Respawn      bool              `json:"respawn,omitempty"`
	RespawnDelay int               `json:"respawn_delay,omitempty"`
}

// SignalRequest sends an event to the running instances of a dynamic
// service.
type SignalRequest struct {
	ID      string          `json:"id"`
	Service string          `json:"service"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PeerInfo describes a cluster member.
type PeerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Cluster string `json:"cluster"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// PeerStatus is the body of PEERSTATUS packets.
type PeerStatus struct {
	Peers []PeerState `json:"peers"`
}

// PeerState is the view of one peer.
type PeerState struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	Status      string    `json:"status"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
}
