package domain

import "strings"

// Status is the backend-agnostic torrent state.
type Status string

const (
	StatusStopped          Status = "Stopped"
	StatusQueuedToCheck    Status = "Queued to check"
	StatusChecking         Status = "Checking"
	StatusQueuedToDownload Status = "Queued to download"
	StatusDownloading      Status = "Downloading"
	StatusQueuedToSeed     Status = "Queued to seed"
	StatusSeeding          Status = "Seeding"
	StatusUnknown          Status = "Unknown"
)

// Torrent is the canonical torrent record. It is rebuilt from the backend's
// live state on every read.
type Torrent struct {
	ID          string
	Hash        string
	Name        string
	Status      Status
	Labels      LabelSet
	TotalSize   int64
	Downloaded  int64
	Uploaded    int64
	PercentDone float64
	UploadRatio float64
	ETA         int64
	AddedAt     int64
	Files       []TorrentFile

	// AddedBy is resolved for admin views only; empty means unresolved.
	AddedBy    string
	Candidates []Candidate
}

// Imported reports whether post-processing finished for the torrent.
func (t Torrent) Imported() bool {
	return t.Labels.Imported
}

// ImportError reports whether post-processing failed for the torrent.
func (t Torrent) ImportError() bool {
	return t.Labels.ImportFailed
}

// TorrentFile is a single file inside a torrent.
type TorrentFile struct {
	Path string
	Size int64
}

// Candidate is an import match proposed by the post-processing step.
type Candidate struct {
	ID     string `json:"id"`
	Match  int    `json:"match"`
	Artist string `json:"artist"`
	Album  string `json:"album"`
	Cover  string `json:"cover"`
	Length string `json:"length"`
}

var nameFiller = strings.NewReplacer("_", " ", "+", " ", ".", " ")

// NormalizeName turns release-style names ("Some_Book.2021") into display names.
func NormalizeName(name string) string {
	return strings.TrimSpace(nameFiller.Replace(name))
}
