package models

// MediaContent describes an attachment for voice, video, image and document messages.
type MediaContent struct {
	FileName   string `json:"file_name"`
	MimeType   string `json:"mime_type"`
	Size       int64  `json:"size"`
	URL        string `json:"url,omitempty"`
	Checksum   string `json:"checksum,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Caption    string `json:"caption,omitempty"`
}
