package pii

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadWordList reads a flat list of strings from a JSON or YAML file, used
// for the ignore list and the custom-names list. A missing file is an empty
// list; an unparsable file degrades to an empty list with a warning so a
// damaged list never takes the tool down. Order and duplicates carry no
// meaning, the refiner treats the result as a set.
func LoadWordList(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[WordList] Warning: cannot read %s: %v", path, err)
		}
		return nil
	}

	words, err := parseWordList(path, data)
	if err != nil {
		log.Printf("[WordList] Warning: ignoring %s: %v", path, err)
		return nil
	}
	return words
}

func parseWordList(path string, data []byte) ([]string, error) {
	var words []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &words); err != nil {
			return nil, fmt.Errorf("invalid YAML list: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &words); err != nil {
			return nil, fmt.Errorf("invalid JSON list: %w", err)
		}
	}
	return words, nil
}
