package store

import "time"

// Instance statuses
const (
	StatusIncomplete       = "incomplete"
	StatusComplete         = "complete"
	StatusSubmitted        = "submitted"
	StatusSubmissionFailed = "submissionFailed"
)

// Form is a blank form definition stored on the device.
// A form with the same XML content (MD5Hash) is never stored twice.
type Form struct {
	ID                 int64
	FormID             string
	Version            string // empty when the form declares no version
	MD5Hash            string
	DisplayName        string
	FormFilePath       string
	FormMediaPath      string
	JrCacheFilePath    string
	SubmissionURI      string
	Base64RSAPublicKey string
	AutoSend           string // "" when the form does not specify it
	AutoDelete         string // "" when the form does not specify it
	DateAdded          time.Time
	DeletedDate        *time.Time

	LastDetectedAttachmentsUpdateDate *time.Time
	LastDetectedFormVersionHash       string
}

// IsDeleted reports whether the form has been soft-deleted
func (f *Form) IsDeleted() bool {
	return f.DeletedDate != nil
}

// Instance is one filled form awaiting or having completed submission
type Instance struct {
	ID                   int64
	FormID               string
	FormVersion          string
	DisplayName          string
	InstanceFilePath     string
	SubmissionURI        string
	Status               string
	LastStatusChangeDate time.Time
	DeletedDate          *time.Time
}

// SyncRun records one execution of a background task
type SyncRun struct {
	ID           int64
	Project      string
	Kind         string // "match_exactly", "auto_update", "auto_send", "manual_send", "download"
	StartTime    time.Time
	EndTime      time.Time
	Succeeded    int
	Failed       int
	Status       string // "running", "success", "partial", "failed", "skipped"
	ErrorMessage string
}
