package domain

// TorrentFile is one file inside a torrent as reported by the daemon.
type TorrentFile struct {
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

// TorrentInfo is the daemon's per-torrent properties view.
type TorrentInfo struct {
	Hash     string `json:"hash"`
	Name     string `json:"name"`
	SavePath string `json:"save_path"`
	Size     int64  `json:"total_size"`
}

// TorrentSummary is one row of the daemon's live-torrent list with the daemon
// state already translated into the engine's job status vocabulary.
type TorrentSummary struct {
	Hash         string
	Name         string
	SavePath     string
	Status       JobStatus
	Progress     float64
	Speed        int64
	ETA          int64
	Availability float64
	Priority     int
	Size         int64
	Downloaded   int64
	AmountLeft   int64
	ActiveTime   int64
	NumSeeds     int
	NumLeechs    int
}
