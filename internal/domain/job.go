package domain

import "time"

type JobStatus string

const (
	JobStatusPending     JobStatus = "Pending"
	JobStatusDownloading JobStatus = "Downloading"
	JobStatusPaused      JobStatus = "Paused"
	JobStatusComplete    JobStatus = "Complete"
	JobStatusError       JobStatus = "Error"
	JobStatusRemoved     JobStatus = "Removed"
)

type DownloaderType string

const (
	DownloaderQBittorrent DownloaderType = "qbittorrent"
	DownloaderDeluge      DownloaderType = "deluge"
	DownloaderEmbedded    DownloaderType = "embedded"
)

// FileMapping pairs a downstream video id with a file path inside the torrent.
type FileMapping struct {
	VideoID  string `json:"videoId"`
	FilePath string `json:"filePath"`
}

// ErrorInfo captures the failure that moved a job into the Error status.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Job is the persisted record of one requested download and its lifecycle.
// TorrentID stays empty until the daemon accepts the torrent and is never
// reassigned afterwards. EndTime is set once, when completion is first observed.
type Job struct {
	ID                    string
	TorrentID             string
	Downloader            DownloaderType
	Status                JobStatus
	TorrentURL            string
	BangumiID             string
	DownloadTaskMessageID string
	DownloadTaskMessage   *DownloadTaskMessage
	FileMapping           []FileMapping
	VideoID               string
	Progress              float64
	Speed                 int64
	ETA                   int64
	Availability          float64
	Priority              int
	Size                  int64
	Downloaded            int64
	AmountLeft            int64
	ActiveTime            int64
	NumSeeds              int
	NumLeechs             int
	ErrorInfo             *ErrorInfo
	CreateTime            time.Time
	EndTime               *time.Time
}

// Settled reports whether the job reached a terminal status.
func (j *Job) Settled() bool {
	switch j.Status {
	case JobStatusComplete, JobStatusError, JobStatusRemoved:
		return true
	}
	return false
}

// UploadedObject records a durable-storage copy of one torrent file.
// LocalPath is the dedup key: at most one object per distinct local path per job.
type UploadedObject struct {
	ID         string
	JobID      string
	Name       string
	LocalPath  string
	RemoteURI  string
	Expiration *time.Time
}

// CleanupTask is a queued recursive directory removal, processed at-least-once.
type CleanupTask struct {
	ID            int64
	DirectoryPath string
}
