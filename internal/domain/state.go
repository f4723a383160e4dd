package domain

import "time"

// DownloadState is a point-in-time view of one active clip download.
type DownloadState struct {
	ClipID          ClipID    `json:"clipId"`
	ContentType     string    `json:"contentType"`
	Size            int64     `json:"size"`
	NumberOfChunks  int       `json:"numberOfChunks"`
	CompletedChunks int       `json:"completedChunks"`
	Progress        float64   `json:"progress"`
	Connections     int       `json:"connections"`
	OpenStreams     int64     `json:"openStreams"`
	LastReadAt      time.Time `json:"lastReadAt"`
}
