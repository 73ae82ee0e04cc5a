package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Seed is reference data keyed by collection path:
//
//	instruments:
//	  - id: "1"
//	    name: Sysmex XN-550
//	    supportedReagents: ["1", "2"]
//	user/7/test_orders:
//	  - id: "10"
//	    patient_name: Doe John
type Seed map[string][]Record

// DecodeSeed parses a YAML seed document.
func DecodeSeed(r io.Reader) (Seed, error) {
	var raw map[string][]map[string]interface{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		if err == io.EOF {
			return Seed{}, nil
		}
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	out := make(Seed, len(raw))
	for coll, recs := range raw {
		for _, m := range recs {
			out[coll] = append(out[coll], Record(m))
		}
	}
	return out, nil
}

// LoadSeed reads a YAML seed file.
func LoadSeed(path string) (Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed %s: %w", path, err)
	}
	defer f.Close()
	return DecodeSeed(f)
}

// Apply upserts every record through s, collections in name order. Records
// that already exist are replaced. It returns the number written.
func (sd Seed) Apply(ctx context.Context, s Store) (int, error) {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)

	n := 0
	for _, coll := range names {
		for _, rec := range sd[coll] {
			if id := rec.ID(); id != "" {
				rec = rec.Clone()
				rec["id"] = id
				if _, err := s.Get(ctx, coll, id); err == nil {
					if _, err := s.Replace(ctx, coll, id, rec); err != nil {
						return n, fmt.Errorf("seed %s/%s: %w", coll, id, err)
					}
					n++
					continue
				}
			}
			if _, err := s.Create(ctx, coll, rec); err != nil {
				return n, fmt.Errorf("seed %s: %w", coll, err)
			}
			n++
		}
	}
	return n, nil
}
