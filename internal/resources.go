package internal

// Canonical DTOs (C6 normalizer output). Any provider payload is mapped
// into these shapes before it reaches the cache or the orchestrator; the
// orchestrator and HTTP handler never see a provider-specific shape.

// Format enumerates the editions this service recognizes.
type Format string

const (
	FormatHardcover Format = "Hardcover"
	FormatPaperback Format = "Paperback"
	FormatEbook     Format = "E-book"
	FormatAudiobook Format = "Audiobook"
)

// Gender is the Author.gender enum; Unknown is the default.
type Gender string

const (
	GenderUnknown Gender = "Unknown"
	GenderMale    Gender = "Male"
	GenderFemale  Gender = "Female"
)

// ReviewStatus marks whether a Work's merged data has been human-verified.
type ReviewStatus string

const (
	ReviewUnverified ReviewStatus = "unverified"
	ReviewVerified   ReviewStatus = "verified"
)

// UnknownTitle is the sentinel applied when no provider supplies a title.
const UnknownTitle = "Unknown"

// Work is the canonical top-level record: an abstract book independent of
// any one printing.
type Work struct {
	Title                string            `json:"title"`
	OriginalLanguage     string            `json:"originalLanguage,omitempty"`
	FirstPublicationYear int               `json:"firstPublicationYear,omitempty"`
	Description          string            `json:"description,omitempty"`
	SubjectTags          []string          `json:"subjectTags"`
	Contributors         []string          `json:"contributors"`
	PrimaryProvider      string            `json:"primaryProvider"`
	ProviderIDs          map[string]string `json:"providerIds"`
	QualityScore         int               `json:"qualityScore"`
	ReviewStatus         ReviewStatus      `json:"reviewStatus"`

	Editions []Edition `json:"editions,omitempty"`
	Authors  []Author  `json:"authors,omitempty"`
}

// Edition is one printing/format of a Work.
type Edition struct {
	ISBN               string   `json:"isbn,omitempty"`
	ISBNs              []string `json:"isbns"`
	Title              string   `json:"title"`
	EditionTitle       string   `json:"editionTitle,omitempty"`
	Publisher          string   `json:"publisher,omitempty"`
	PublicationDate    string   `json:"publicationDate,omitempty"`
	PageCount          int      `json:"pageCount"`
	Format             Format   `json:"format"`
	Language           string   `json:"language,omitempty"`
	CoverImageURL      string   `json:"coverImageUrl,omitempty"`
	EditionDescription string   `json:"editionDescription,omitempty"`
}

// Author is a canonical contributor record.
type Author struct {
	Name   string `json:"name"`
	Gender Gender `json:"gender"`
}

// NewWork builds a Work with invariants applied: non-empty title, non-nil
// collections.
func NewWork() Work {
	return Work{
		Title:        UnknownTitle,
		SubjectTags:  []string{},
		Contributors: []string{},
		ProviderIDs:  map[string]string{},
		ReviewStatus: ReviewUnverified,
	}
}

// NewAuthor builds an Author with the gender default applied.
func NewAuthor(name string) Author {
	return Author{Name: name, Gender: GenderUnknown}
}

// ClampQuality clamps a heuristic score into [0,100].
func ClampQuality(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	default:
		return score
	}
}

// AddISBN inserts isbn into e.ISBNs if non-empty and not already present,
// keeping the set free of duplicates and falsy values, per the ISBN set
// integrity invariant.
func (e *Edition) AddISBN(isbn string) {
	if isbn == "" {
		return
	}
	for _, existing := range e.ISBNs {
		if existing == isbn {
			return
		}
	}
	e.ISBNs = append(e.ISBNs, isbn)
	if e.ISBN == "" {
		e.ISBN = isbn
	} else if len(isbn) == 13 && len(e.ISBN) != 13 {
		// Prefer 13-digit ISBNs as the primary identifier.
		e.ISBN = isbn
	}
}
