package optimizer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Checkpoint is the Cluster Optimizer's resumable per-cluster progress
// record (spec §4.J), persisted after every iteration so a restart resumes
// an in-progress optimization instead of re-running completed attempts —
// grounded on the append-only-log-derived, recomputable snapshot shape of
// runtime/agent/run/snapshot.go, simplified here to a single JSON record
// since the optimizer has no event log of its own to replay.
type Checkpoint struct {
	ClusterID         string    `json:"cluster_id"`
	Attempts          int       `json:"attempts"`
	LastImprovementAt time.Time `json:"last_improvement_at"`
	BestScore         float64   `json:"best_score"`
	PendingStrategies []string  `json:"pending_strategies"`
}

func checkpointPath(dir, clusterID string) string {
	return filepath.Join(dir, clusterID+".checkpoint.json")
}

// loadCheckpoint reads clusterID's checkpoint, returning ok=false (not an
// error) when none exists yet — the common case for a cluster's first run.
func loadCheckpoint(dir, clusterID string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(checkpointPath(dir, clusterID))
	if os.IsNotExist(err) {
		return Checkpoint{ClusterID: clusterID}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// saveCheckpoint persists cp, creating dir if necessary.
func saveCheckpoint(dir string, cp Checkpoint) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(checkpointPath(dir, cp.ClusterID), data, 0o644)
}
