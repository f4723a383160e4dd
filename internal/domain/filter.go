package domain

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

type ClipFilter struct {
	Channel   string    `json:"channel,omitempty"`
	Show      string    `json:"show,omitempty"`
	Search    string    `json:"search,omitempty"`
	SortOrder SortOrder `json:"sortOrder,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}
