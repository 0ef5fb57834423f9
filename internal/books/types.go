package books

// Wire structures for the volumes API. Only the fields the pipeline consumes
// are declared; everything else in the payload is ignored.

type searchResponse struct {
	TotalItems int          `json:"totalItems"`
	Items      []volumeItem `json:"items"`
}

type volumeItem struct {
	ID         string     `json:"id"`
	VolumeInfo volumeInfo `json:"volumeInfo"`
}

type volumeInfo struct {
	Title               string               `json:"title"`
	Subtitle            string               `json:"subtitle"`
	Authors             []string             `json:"authors"`
	Description         string               `json:"description"`
	PublishedDate       string               `json:"publishedDate"`
	Categories          []string             `json:"categories"`
	ImageLinks          imageLinks           `json:"imageLinks"`
	IndustryIdentifiers []industryIdentifier `json:"industryIdentifiers"`
}

type imageLinks struct {
	Thumbnail string `json:"thumbnail"`
}

type industryIdentifier struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

// Match is one parsed API result.
type Match struct {
	ExternalID    string
	Title         string
	Subtitle      string
	Authors       []string
	Description   string
	PublishedDate string
	Categories    []string
	ThumbnailURL  string
	ISBN13        string
	ISBN10        string
}

func (v volumeItem) toMatch() Match {
	m := Match{
		ExternalID:    v.ID,
		Title:         v.VolumeInfo.Title,
		Subtitle:      v.VolumeInfo.Subtitle,
		Authors:       v.VolumeInfo.Authors,
		Description:   v.VolumeInfo.Description,
		PublishedDate: v.VolumeInfo.PublishedDate,
		Categories:    v.VolumeInfo.Categories,
		ThumbnailURL:  v.VolumeInfo.ImageLinks.Thumbnail,
	}
	for _, id := range v.VolumeInfo.IndustryIdentifiers {
		switch id.Type {
		case "ISBN_13":
			m.ISBN13 = id.Identifier
		case "ISBN_10":
			m.ISBN10 = id.Identifier
		}
	}
	return m
}
