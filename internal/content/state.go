package content

import "time"

// Status is the local download status of an item.
type Status string

const (
	StatusNotDownloaded Status = "not-downloaded"
	StatusDownloading   Status = "downloading"
	StatusDownloaded    Status = "downloaded"
	StatusFailed        Status = "failed"
)

// LocalState is what the store knows about the local copy of an item.
type LocalState struct {
	ItemID    string
	Version   string
	Size      int64
	Checksum  string
	Path      string
	Status    Status
	UpdatedAt time.Time
}

// Tracked reports whether the item has ever been placed on disk by this service.
func (s *LocalState) Tracked() bool {
	return s != nil && s.Path != ""
}
