package models

// Room is one monitored physical location with a single CSV data source
type Room struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SourceURL   string `json:"sourceUrl"`
	Description string `json:"description"`
}
