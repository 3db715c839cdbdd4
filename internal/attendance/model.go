package attendance

import "time"

// StatusPresent is the only status the kiosk writes.
const StatusPresent = "present"

// User is an identity created the first time a name is seen.
type User struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Descriptor    []float32 `json:"-"`
	HasDescriptor bool      `json:"has_descriptor"`
	CreatedAt     time.Time `json:"created_at"`
}

// Record is one attendance entry. Records are never updated except for the
// snapshot URL the worker fills in later.
type Record struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	UserName          string    `json:"user_name,omitempty"`
	CheckInTime       time.Time `json:"check_in_time"`
	DetectionDuration int       `json:"detection_duration"`
	Status            string    `json:"status"`
	SnapshotURL       string    `json:"snapshot_url,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Checkin is the input of MarkAttendance.
type Checkin struct {
	Name       string
	Descriptor []float32
	Frame      []byte
}

// SnapshotJob is published after a record is written so the worker can
// store the confirming frame.
type SnapshotJob struct {
	RecordID string `json:"record_id"`
	Frame    []byte `json:"frame,omitempty"`
}
