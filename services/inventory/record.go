// Package inventory resolves deployment targets against the PC master table.
package inventory

import "time"

// MachineRecord is one row of pc_master. Serial is the machine id used by
// deployments.
type MachineRecord struct {
	Serial     string    `db:"serial" json:"serial"`
	PCName     string    `db:"pcname" json:"pcname"`
	ODJPath    string    `db:"odj_path" json:"odj_path,omitempty"`
	MACAddress string    `db:"mac_address" json:"mac_address,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// HasODJ reports whether an offline domain join file was registered.
func (r MachineRecord) HasODJ() bool {
	return r.ODJPath != ""
}
