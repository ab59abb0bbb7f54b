package internal

import "context"

// AIProvider models the AI vision/CSV-row parse pathway as the black-box
// call the purpose & scope section describes: given an image or a CSV
// row's raw text, it returns candidate books. Prompt construction is
// explicitly out of scope; AIProvider only defines the boundary the
// orchestrator calls through.
type AIProvider interface {
	Name() string

	// ParseImage returns candidate editions recognized in a bookshelf
	// photo.
	ParseImage(ctx context.Context, jpeg []byte) ([]RawEdition, error)

	// ParseCSVRow returns the candidate edition a single CSV import row
	// most likely refers to.
	ParseCSVRow(ctx context.Context, row []string) (RawEdition, error)
}

// FakeAIProvider is a deterministic test double: it always returns the
// fixed candidates it was constructed with, regardless of input. Used in
// tests and wherever no real vision/parse backend is configured.
type FakeAIProvider struct {
	ImageCandidates []RawEdition
	CSVCandidate    RawEdition
	Err             error
}

var _ AIProvider = (*FakeAIProvider)(nil)

func (f *FakeAIProvider) Name() string { return "ai" }

func (f *FakeAIProvider) ParseImage(_ context.Context, _ []byte) ([]RawEdition, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.ImageCandidates, nil
}

func (f *FakeAIProvider) ParseCSVRow(_ context.Context, _ []string) (RawEdition, error) {
	if f.Err != nil {
		return RawEdition{}, f.Err
	}
	return f.CSVCandidate, nil
}
