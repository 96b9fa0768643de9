package models

import "time"

// ProgressEvent is emitted on every leg state change
type ProgressEvent struct {
	TransferID    string        `json:"transfer_id"`
	LegIndex      int           `json:"leg_index"`
	Status        LegStatus     `json:"status"`
	TransferState TransferState `json:"transfer_state"`
	Cancelled     bool          `json:"cancelled,omitempty"`
	Error         string        `json:"error,omitempty"`
	At            time.Time     `json:"at"`
}
