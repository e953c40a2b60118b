package recordstore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFixtures reads a YAML list of records, the format `memory://?fixtures=`
// and `sqlite://?fixtures=` seed from.
func LoadFixtures(path string) ([]RecordInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close()
	var doc struct {
		Records []RecordInput `yaml:"records"`
	}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	return doc.Records, nil
}
