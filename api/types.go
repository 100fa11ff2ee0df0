package api

import "github.com/i5heu/atomspace/pkg/query"

// Wire types shared with pkg/remote.

type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
	// Count is set for MultiplePathsError.
	Count int `json:"count,omitempty"`
}

// KindMultiplePaths is the error kind of a rejected unique-path follow.
const KindMultiplePaths = "MultiplePathsError"

type HandleResponse struct {
	Handle string `json:"handle"`
}

type QueryPage struct {
	Answers []query.Answer `json:"answers"`
	Next    int            `json:"next"`
	Done    bool           `json:"done"`
}

type FollowRequest struct {
	LinkType   string `json:"link_type,omitempty"`
	TargetType string `json:"target_type,omitempty"`
	UniquePath bool   `json:"unique_path,omitempty"`
}

type FollowResponse struct {
	Handle string `json:"handle"`
	Moved  bool   `json:"moved"`
}

type SearchResponse struct {
	Handles []string `json:"handles"`
}
