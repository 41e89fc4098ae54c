package models

import "time"

// Machine status values reported by the tunnel hub.
const (
	MachineStatusOnline  = "online"
	MachineStatusOffline = "offline"
)

// MachineModel is one runtime machine known to the tunnel hub. A user may
// have several (laptop, cloud runtime); at most one is active at a time.
// Status tracks the provider WebSocket: it flips to offline when the
// provider connection closes.
type MachineModel struct {
	ID           uint64      `json:"-"            gorm:"primaryKey;autoIncrement"`
	UserID       string      `json:"user_id"      gorm:"column:user_id;type:uuid;not null;uniqueIndex:machines_user_machine_key,priority:1"`
	MachineID    string      `json:"machine_id"   gorm:"column:machine_id;not null;uniqueIndex:machines_user_machine_key,priority:2"`
	MachineName  string      `json:"machine_name" gorm:"column:machine_name"`
	Hostname     string      `json:"hostname"     gorm:"column:hostname"`
	Capabilities StringArray `json:"capabilities" gorm:"column:capabilities;type:text"`
	Status       string      `json:"status"       gorm:"column:status;not null;default:offline"`
	LastSeen     time.Time   `json:"last_seen"    gorm:"column:last_seen"`
	ConnectedAt  time.Time   `json:"connected_at" gorm:"column:connected_at"`
}

func (MachineModel) TableName() string {
	return "machines"
}
