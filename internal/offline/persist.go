package offline

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// schemaVersion tags the persisted blob so later layouts can migrate it.
const schemaVersion = 1

type persistedQueue struct {
	Version int   `json:"version"`
	Items   []Job `json:"items"`
}

func encodeQueue(items []Job) ([]byte, error) {
	data, err := json.Marshal(persistedQueue{Version: schemaVersion, Items: items})
	if err != nil {
		return nil, fmt.Errorf("marshal queue: %w", err)
	}
	return data, nil
}

// decodeQueue reads a persisted queue. A bare JSON array is the unversioned
// layout and is accepted as version 0.
func decodeQueue(data []byte) ([]Job, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, schemaVersion, nil
	}

	if trimmed[0] == '[' {
		var items []Job
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, 0, fmt.Errorf("unmarshal legacy queue: %w", err)
		}
		return items, 0, nil
	}

	var pq persistedQueue
	if err := json.Unmarshal(trimmed, &pq); err != nil {
		return nil, 0, fmt.Errorf("unmarshal queue: %w", err)
	}
	if pq.Version > schemaVersion {
		return nil, pq.Version, fmt.Errorf("unsupported queue schema version %d", pq.Version)
	}
	return pq.Items, pq.Version, nil
}
