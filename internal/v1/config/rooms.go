package config

import (
	"encoding/json"
	"fmt"
	"os"

	"k8s.io/utils/set"
)

// RoomMetadata identifies one chat room from the seed file.
type RoomMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadRooms reads the room seed file, a JSON array of room metadata entries.
// The room set is fixed for the lifetime of the process, so a missing,
// malformed, empty or ambiguous file is a boot error.
func LoadRooms(path string) ([]RoomMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rooms file: %w", err)
	}

	var metas []RoomMetadata
	if err := json.Unmarshal(data, &metas); err != nil {
		return nil, fmt.Errorf("parsing rooms file %s: %w", path, err)
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("rooms file %s lists no rooms", path)
	}

	seen := set.New[string]()
	for _, m := range metas {
		if m.Name == "" {
			return nil, fmt.Errorf("rooms file %s contains a room with an empty name", path)
		}
		if seen.Has(m.Name) {
			return nil, fmt.Errorf("rooms file %s lists room %q twice", path, m.Name)
		}
		seen.Insert(m.Name)
	}
	return metas, nil
}
