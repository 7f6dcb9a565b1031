package nextcloud

import "nclbk/internal/domain"

const statusSuccess = "success"

// bookmarksResponse is the envelope of GET /bookmark. Entries may be null.
type bookmarksResponse struct {
	Data   []*domain.Bookmark `json:"data"`
	Status string             `json:"status"`
}

// tagsResponse is the envelope form of GET /tag. Some server versions
// return a bare array instead.
type tagsResponse struct {
	Data   []string `json:"data"`
	Status string   `json:"status"`
}
