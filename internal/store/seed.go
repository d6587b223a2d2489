package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// SeedFile is the YAML layout used to load forms, questions and clients.
//
//	forms:
//	  - id: office-cleaning
//	    title: Office cleaning quote
//	    rules:
//	      disqualifiers: [residential only]
//	    client:
//	      id: sparkle
//	      name: Sparkle Cleaning
//	      business_type: commercial cleaning
//	      service_area: Austin, TX
//	      service_radius_miles: 25
//	    questions:
//	      - id: company
//	        text: What is your company name?
//	        category: contact
//	        position: 1
type SeedFile struct {
	Forms []SeedForm `yaml:"forms"`
}

// SeedForm is one form entry in a seed file.
type SeedForm struct {
	models.Form `yaml:",inline"`
	Client      *models.Client    `yaml:"client"`
	Questions   []models.Question `yaml:"questions"`
}

// LoadSeedFile parses a YAML seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed parses YAML seed content and validates every question.
func ParseSeed(data []byte) (*SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for _, f := range seed.Forms {
		if f.ID == "" {
			return nil, fmt.Errorf("parse seed: %w", models.ErrEmptyFormID)
		}
		seen := make(map[string]bool, len(f.Questions))
		for i := range f.Questions {
			q := &f.Questions[i]
			if err := q.Validate(); err != nil {
				return nil, fmt.Errorf("form %s question %d: %w", f.ID, i, err)
			}
			if seen[q.ID] {
				return nil, fmt.Errorf("form %s: duplicate question id %q", f.ID, q.ID)
			}
			seen[q.ID] = true
			if q.Position == 0 {
				q.Position = i + 1
			}
		}
	}
	return &seed, nil
}

// Apply writes every form in the seed to the store.
func (s *SeedFile) Apply(ctx context.Context, st Store) error {
	for _, f := range s.Forms {
		if err := st.SaveForm(ctx, f.Form, f.Questions, f.Client); err != nil {
			return fmt.Errorf("seed form %s: %w", f.ID, err)
		}
		slog.Info("SeedFile.Apply: form loaded", "formID", f.ID, "questions", len(f.Questions), "client", f.Client != nil)
	}
	return nil
}
