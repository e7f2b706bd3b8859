package claim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// Journal files fatal consistency incidents for manual reconciliation:
// cases where the payout executed but the link record could not be
// finalized. One JSON file per incident; an operator clears the directory
// once the record is repaired.
type Journal struct {
	dir string
	log *logrus.Entry
}

func NewJournal(dir string) *Journal {
	return &Journal{dir: dir, log: logrus.WithField("component", "journal")}
}

type incident struct {
	Timestamp   time.Time `json:"timestamp"`
	LinkID      string    `json:"linkId"`
	Recipient   string    `json:"recipient"`
	PayoutProof string    `json:"payoutProof"`
	Error       string    `json:"error"`
}

func (j *Journal) Record(fatal *FatalConsistencyError) {
	if j == nil || j.dir == "" {
		return
	}

	entry := incident{
		Timestamp:   time.Now().UTC(),
		LinkID:      fatal.LinkID,
		Recipient:   fatal.Recipient,
		PayoutProof: fatal.PayoutProof,
		Error:       fatal.Err.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		j.log.WithError(err).Error("journal marshal error")
		return
	}

	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		j.log.WithError(err).Error("journal mkdir error")
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), fatal.LinkID)
	if err := os.WriteFile(filepath.Join(j.dir, filename), data, 0o600); err != nil {
		j.log.WithError(err).Error("journal write error")
	}
}

// Depth counts unresolved incidents.
func (j *Journal) Depth() int {
	if j == nil || j.dir == "" {
		return 0
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if !os.IsNotExist(err) {
			j.log.WithError(err).Warn("journal read error")
		}
		return 0
	}
	return len(entries)
}
