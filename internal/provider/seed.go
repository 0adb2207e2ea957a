package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"paycore/internal/fees"
)

// Seed is the bootstrap configuration of every rail, read from YAML:
//
//	providers:
//	  - name: alphabank
//	    banking: true
//	    enabled: true
//	    fees:
//	      outflow:
//	        transfer: {type: flat, value: 10, markup: 0, provider_value: 10, provider_markup: 0}
//	assignments:
//	  banking: alphabank
type Seed struct {
	Providers   []*Provider
	Assignments map[Capability]Name
}

type seedFile struct {
	Providers []struct {
		Provider `yaml:",inline"`
		Fees     map[fees.Direction]map[fees.Kind]fees.ScheduleInput `yaml:"fees"`
	} `yaml:"providers"`
	Assignments map[string]string `yaml:"assignments"`
}

// LoadSeed parses and validates a seed file.
func LoadSeed(r io.Reader) (*Seed, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding seed: %w", err)
	}

	seed := &Seed{Assignments: make(map[Capability]Name)}
	byName := make(map[Name]*Provider)
	for _, in := range f.Providers {
		name, err := ParseName(string(in.Name))
		if err != nil {
			return nil, err
		}
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("provider %s listed twice", name)
		}
		p := in.Provider
		p.Name = name
		p.Fees = fees.Table{}
		for dir, byKind := range in.Fees {
			for kind, si := range byKind {
				sched, err := si.Build()
				if err != nil {
					return nil, fmt.Errorf("%s %s/%s: %w", name, dir, kind, err)
				}
				p.Fees.Set(dir, kind, sched)
			}
		}
		if err := p.Fees.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		byName[name] = &p
		seed.Providers = append(seed.Providers, &p)
	}

	for c, n := range f.Assignments {
		capability, err := ParseCapability(c)
		if err != nil {
			return nil, err
		}
		name, err := ParseName(n)
		if err != nil {
			return nil, err
		}
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("assignment %s: provider %s not in seed", c, n)
		}
		if !p.Supports(capability) {
			return nil, fmt.Errorf("assignment %s: %s does not offer it", c, n)
		}
		seed.Assignments[capability] = name
	}
	return seed, nil
}

// SeedResult reports what ApplySeed changed.
type SeedResult struct {
	Upserted int
	Assigned []Capability
	// Kept lists capabilities that already had an assignment; seeding never
	// overrides a live switch.
	Kept []Capability
}

// ApplySeed writes every rail and creates the assignments that do not
// exist yet.
func ApplySeed(ctx context.Context, store Store, seed *Seed, actorID string) (SeedResult, error) {
	var res SeedResult
	for _, p := range seed.Providers {
		if err := store.Upsert(ctx, p); err != nil {
			return res, fmt.Errorf("upserting %s: %w", p.Name, err)
		}
		res.Upserted++
	}
	for _, c := range Capabilities {
		name, ok := seed.Assignments[c]
		if !ok {
			continue
		}
		_, err := store.Assignment(ctx, c)
		switch {
		case err == nil:
			res.Kept = append(res.Kept, c)
			continue
		case !errors.Is(err, ErrAssignmentNotFound):
			return res, fmt.Errorf("loading assignment %s: %w", c, err)
		}
		if _, err := store.SwapAssignment(ctx, c, name, 0, actorID); err != nil {
			return res, fmt.Errorf("assigning %s: %w", c, err)
		}
		res.Assigned = append(res.Assigned, c)
	}
	return res, nil
}
