package wandb

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// spoolRecord is one line of the offline spool file.
type spoolRecord struct {
	Kind     string          `json:"kind"` // init, config, history, finish
	RunID    string          `json:"run_id"`
	Settings *RunSettings    `json:"settings,omitempty"`
	Config   map[string]any  `json:"config,omitempty"`
	Step     int64           `json:"step,omitempty"`
	Row      map[string]any  `json:"row,omitempty"`
	LoggedAt time.Time       `json:"logged_at"`
}

// SpoolClient appends records to a local JSONL file instead of pushing them,
// for environments without network access to the service. Sync replays a
// spool file through an online client.
type SpoolClient struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewSpoolClient opens a new spool file under dir, creating dir if needed.
func NewSpoolClient(dir string) (*SpoolClient, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wandb: create spool dir: %w", err)
	}
	name := fmt.Sprintf("run-%s.jsonl", time.Now().UTC().Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wandb: open spool file: %w", err)
	}
	return &SpoolClient{file: f, enc: json.NewEncoder(f)}, nil
}

// Path returns the spool file path.
func (c *SpoolClient) Path() string {
	return c.file.Name()
}

// Close flushes and closes the spool file.
func (c *SpoolClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.file.Close()
}

func (c *SpoolClient) append(rec spoolRecord) error {
	rec.LoggedAt = time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Encode(rec); err != nil {
		return fmt.Errorf("wandb: append spool record: %w", err)
	}
	return nil
}

func (c *SpoolClient) InitRun(_ context.Context, settings RunSettings) (string, error) {
	id := uuid.NewString()
	if err := c.append(spoolRecord{Kind: "init", RunID: id, Settings: &settings}); err != nil {
		return "", err
	}
	return id, nil
}

func (c *SpoolClient) UpdateConfig(_ context.Context, runID string, config map[string]any) error {
	return c.append(spoolRecord{Kind: "config", RunID: runID, Config: config})
}

func (c *SpoolClient) LogHistory(_ context.Context, runID string, step int64, row map[string]any) error {
	return c.append(spoolRecord{Kind: "history", RunID: runID, Step: step, Row: row})
}

func (c *SpoolClient) Finish(_ context.Context, runID string) error {
	return c.append(spoolRecord{Kind: "finish", RunID: runID})
}

// Sync replays the spool file at path through dst, in file order. Run IDs
// assigned by the service replace the offline IDs. It returns the number of
// records replayed.
func Sync(ctx context.Context, path string, dst Client) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("wandb: open spool file: %w", err)
	}
	defer f.Close()

	idMap := map[string]string{}
	replayed := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec spoolRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return replayed, fmt.Errorf("wandb: malformed spool record: %w", err)
		}
		switch rec.Kind {
		case "init":
			if rec.Settings == nil {
				return replayed, fmt.Errorf("wandb: init record %q has no settings", rec.RunID)
			}
			remote, err := dst.InitRun(ctx, *rec.Settings)
			if err != nil {
				return replayed, err
			}
			idMap[rec.RunID] = remote
		case "config":
			if err := dst.UpdateConfig(ctx, idMap[rec.RunID], rec.Config); err != nil {
				return replayed, err
			}
		case "history":
			if err := dst.LogHistory(ctx, idMap[rec.RunID], rec.Step, rec.Row); err != nil {
				return replayed, err
			}
		case "finish":
			if err := dst.Finish(ctx, idMap[rec.RunID]); err != nil {
				return replayed, err
			}
		default:
			return replayed, fmt.Errorf("wandb: unknown spool record kind %q", rec.Kind)
		}
		replayed++
	}
	if err := scanner.Err(); err != nil {
		return replayed, fmt.Errorf("wandb: read spool file: %w", err)
	}
	return replayed, nil
}
