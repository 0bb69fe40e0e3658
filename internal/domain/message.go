package domain

// DownloadTaskMessage is the inbound request that creates a download job. The
// full payload is kept on the job so a failed submission can be replayed.
type DownloadTaskMessage struct {
	ID          string        `json:"id"`
	BangumiID   string        `json:"bangumiId"`
	TorrentURL  string        `json:"torrentUrl"`
	VideoID     string        `json:"videoId,omitempty"`
	FileMapping []FileMapping `json:"fileMapping,omitempty"`
}

// RemoteFile describes one downloaded file as seen by downstream consumers.
type RemoteFile struct {
	Filename      string `json:"filename"`
	FileLocalPath string `json:"fileLocalPath"`
	FileURI       string `json:"fileUri"`
}

// DownloadMQMessage is the outbound completion message. The field set and JSON
// names are consumed by the video manager and must not change.
type DownloadMQMessage struct {
	ID                string       `json:"id"`
	DownloadTaskID    string       `json:"downloadTaskId"`
	BangumiID         string       `json:"bangumiId"`
	DownloadManagerID string       `json:"downloadManagerId"`
	VideoID           string       `json:"videoId,omitempty"`
	FileMapping       *FileMapping `json:"fileMapping,omitempty"`
	VideoFile         *RemoteFile  `json:"videoFile"`
	OtherFiles        []RemoteFile `json:"otherFiles"`
}
