package prompts

// Render payloads, one per template. Keeping them next to the templates
// makes a missing field a compile-time question instead of a runtime one.

// PremisesData feeds premises.tmpl.
type PremisesData struct {
	Genres       []string
	Themes       []string
	Avoid        []string
	ReadingLevel string
	RecentTitles []string
}

// BibleData feeds bible.tmpl.
type BibleData struct {
	Title       string
	Description string
	Hook        string
	Genre       string
	Themes      []string

	// Series context, empty for book one.
	SeriesSummary string
	BookNumber    int
}

// ArcData feeds arc.tmpl.
type ArcData struct {
	BibleJSON     string
	TotalChapters int
}

// ConstraintsExtractData feeds constraints_extract.tmpl.
type ConstraintsExtractData struct {
	ChapterNumber int
	OutlineJSON   string
	BibleSummary  string
	PriorEvents   []string
	LedgerSummary string
}

// ChapterData feeds chapter.tmpl.
type ChapterData struct {
	ChapterNumber  int
	Title          string
	OutlineJSON    string
	BibleJSON      string
	PriorSummaries []string
	CorrectionsXML string // empty when no editor brief applies
	ConstraintsXML string
	WordMin        int
	WordMax        int
	RetryNotes     []string // validator feedback from a failed attempt
}

// ConstraintsCheckData feeds constraints_check.tmpl.
type ConstraintsCheckData struct {
	ChapterText    string
	ConstraintsXML string
}

// QualityReviewData feeds quality_review.tmpl.
type QualityReviewData struct {
	ChapterNumber int
	ChapterText   string
	ReadingLevel  string
	BibleSummary  string
}

// EntityExtractData feeds entity_extract.tmpl.
type EntityExtractData struct {
	ChapterText     string
	MaxEntities     int
	KnownCharacters []string
}

// EditorBriefData feeds editor_brief.tmpl.
type EditorBriefData struct {
	Checkpoint       string
	FeedbackSummary  string
	FeedbackHistory  []string // one line per earlier checkpoint answer
	BatchStart       int
	BatchEnd         int
	UpcomingOutlines string
	BibleSummary     string
	RecentChapter    string
}

// ConsistencyData feeds consistency.tmpl.
type ConsistencyData struct {
	ChapterNumber int
	ChapterText   string
	EntitiesJSON  string
	LedgerSummary string
}

// RevisionData feeds revision.tmpl.
type RevisionData struct {
	ChapterText string
	Issues      []string
}
