package jobs

import "time"

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the job will not run again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type EnqueueRequest struct {
	// Source records who asked for the prefetch (api, cli, navigate).
	Source   string
	VideoID  string
	Language string
}

// PrefetchJob warms the result cache for one video.
type PrefetchJob struct {
	ID       string `json:"id"`
	Source   string `json:"source"`
	VideoID  string `json:"video_id"`
	Language string `json:"language,omitempty"`
	Status   Status `json:"status"`
	// ResultSource is the source of the result the run produced.
	ResultSource string    `json:"result_source,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (j *PrefetchJob) dedupeKey() string {
	return j.VideoID
}
