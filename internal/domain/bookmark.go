package domain

import "strings"

// Bookmark is a record owned by the remote bookmark service.
type Bookmark struct {
	ID           uint64   `json:"id"`
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Tags         []string `json:"tags"`
	Folders      []int32  `json:"folders"`
	Added        uint64   `json:"added"`
	LastModified uint64   `json:"lastmodified"`
	ClickCount   uint64   `json:"clickcount"`
	Public       *uint64  `json:"public"`
	UserID       *string  `json:"userId"`
}

// BookmarkRecord is one entry of a bookmark listing. Present is false when
// the remote service returned null at Index; Bookmark is then the zero value.
type BookmarkRecord struct {
	Index    int
	Present  bool
	Bookmark Bookmark
}

// Query selects bookmarks for a run. Tags and filters are combined with "or".
type Query struct {
	Tags        []string
	Filters     []string
	Unavailable bool
}

// RunConfig holds the behavioral switches of a run.
type RunConfig struct {
	Download  bool
	Remove    bool
	Command   string
	OutputDir string
}

// NormalizeURL strips one layer of surrounding double quotes.
func NormalizeURL(raw string) string {
	url := strings.TrimPrefix(raw, `"`)
	return strings.TrimSuffix(url, `"`)
}
