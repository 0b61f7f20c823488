package generate

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/inkwell-ai/inkwell/internal/costs"
	"github.com/inkwell-ai/inkwell/internal/extract"
	"github.com/inkwell-ai/inkwell/internal/novel"
	"github.com/inkwell-ai/inkwell/internal/prompts"
	"github.com/inkwell-ai/inkwell/internal/providers"
)

// Extraction is everything the entity pass pulls from an accepted chapter:
// the continuity entities, the per-chapter ledger deltas, and the summary
// fields stored on the chapter row.
type Extraction struct {
	Entities         []novel.ChapterEntity
	CharacterChanges map[string]string
	WorldChanges     map[string]string
	KeyEvents        []string
	OpeningHook      string
	ClosingHook      string
}

// LedgerEntries converts the change maps into the two append-only rows
// committed alongside the chapter.
func (e *Extraction) LedgerEntries() []novel.LedgerEntry {
	var out []novel.LedgerEntry
	if len(e.CharacterChanges) > 0 {
		if b, err := json.Marshal(e.CharacterChanges); err == nil {
			out = append(out, novel.LedgerEntry{Kind: novel.LedgerCharacter, Entry: string(b)})
		}
	}
	if len(e.WorldChanges) > 0 {
		if b, err := json.Marshal(e.WorldChanges); err == nil {
			out = append(out, novel.LedgerEntry{Kind: novel.LedgerWorldState, Entry: string(b)})
		}
	}
	return out
}

// EntityExtractor runs the post-acceptance extraction pass.
type EntityExtractor struct {
	client   providers.Client
	recorder *costs.Recorder
	logger   *slog.Logger
}

// NewEntityExtractor creates an extractor bound to a client.
func NewEntityExtractor(client providers.Client, recorder *costs.Recorder, logger *slog.Logger) *EntityExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityExtractor{client: client, recorder: recorder, logger: logger}
}

// entityPayload mirrors the extraction template's output contract.
type entityPayload struct {
	Entities []struct {
		EntityType  string `json:"entity_type"`
		EntityName  string `json:"entity_name"`
		Fact        string `json:"fact"`
		SourceQuote string `json:"source_quote"`
	} `json:"entities"`
	CharacterChanges map[string]string `json:"character_changes"`
	WorldChanges     map[string]string `json:"world_changes"`
	KeyEvents        []string          `json:"key_events"`
	OpeningHook      string            `json:"opening_hook"`
	ClosingHook      string            `json:"closing_hook"`
}

// Extract pulls continuity data from an accepted chapter. Entity overflow
// beyond the per-chapter cap is dropped in model order.
func (ee *EntityExtractor) Extract(ctx context.Context, opts costs.RecordOpts, data prompts.EntityExtractData) (*Extraction, error) {
	if data.MaxEntities == 0 {
		data.MaxEntities = novel.MaxEntitiesPerChapter
	}

	prompt, err := prompts.Render(prompts.EntityExtract, data)
	if err != nil {
		return nil, err
	}

	var payload entityPayload
	err = extract.WithReask(ctx, completeFunc(ee.client, ee.recorder, opts, 3072, "entity extraction"), prompt,
		func(content string) error {
			payload = entityPayload{}
			return extract.JSONInto(content, &payload, "entities")
		})
	if err != nil {
		return nil, wrapParse("entity extraction", err)
	}

	if len(payload.Entities) > novel.MaxEntitiesPerChapter {
		ee.logger.Warn("entity extraction overflow, truncating",
			"extracted", len(payload.Entities), "cap", novel.MaxEntitiesPerChapter)
		payload.Entities = payload.Entities[:novel.MaxEntitiesPerChapter]
	}

	ex := &Extraction{
		CharacterChanges: payload.CharacterChanges,
		WorldChanges:     payload.WorldChanges,
		KeyEvents:        payload.KeyEvents,
		OpeningHook:      payload.OpeningHook,
		ClosingHook:      payload.ClosingHook,
	}
	for _, e := range payload.Entities {
		ex.Entities = append(ex.Entities, novel.ChapterEntity{
			Type:         novel.EntityType(e.EntityType),
			Name:         e.EntityName,
			Fact:         e.Fact,
			SourceQuote:  e.SourceQuote,
			IsConsistent: true,
		})
	}
	return ex, nil
}
