package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/asadovsky/coedit/ot"
)

// ConflictKind classifies a detected conflict.
type ConflictKind int

const (
	ConcurrentEdit ConflictKind = iota
	FormatCollision
)

func (k ConflictKind) String() string {
	if k == FormatCollision {
		return "format-collision"
	}
	return "concurrent-edit"
}

// Resolution is the consumer's choice for settling a conflict.
type Resolution int

const (
	KeepLocal Resolution = iota
	KeepRemote
	Merge
)

func (r Resolution) String() string {
	switch r {
	case KeepLocal:
		return "keep_local"
	case KeepRemote:
		return "keep_remote"
	case Merge:
		return "merge"
	}
	return fmt.Sprintf("Resolution(%d)", int(r))
}

// Conflict records concurrent operations from different actors touching the
// same offset. Conflicts leave the active set only through explicit
// resolution; they never expire.
type Conflict struct {
	ID           string
	Kind         ConflictKind
	Pos          int
	Participants []string
	DetectedAt   time.Time
	Resolved     bool
	Resolution   Resolution
	// InSelection reports whether the conflicting offset falls inside a
	// participant's visible selection at detection time.
	InSelection bool

	// Implicated log entries, used by the resolution paths to undo one side.
	local  []*entry
	remote []*entry
}

// key identifies a conflict for idempotent detection: the same position and
// participant set never opens a second conflict while one is active.
func (c *Conflict) key() string {
	return fmt.Sprintf("%d|%s", c.Pos, strings.Join(c.Participants, ","))
}

func newConflictID() string {
	return uuid.NewString()
}

// groupByPos buckets op indices by offset as issued. This is a coarse
// same-offset heuristic, not interval-overlap detection; multi-character
// spans that overlap without sharing a start offset are not flagged.
func groupByPos(ops []ot.Op) map[int][]int {
	groups := make(map[int][]int)
	for i, op := range ops {
		groups[op.Pos] = append(groups[op.Pos], i)
	}
	return groups
}

func participants(ops []ot.Op) []string {
	set := make(map[string]bool)
	for _, op := range ops {
		set[op.Actor] = true
	}
	actors := make([]string, 0, len(set))
	for a := range set {
		actors = append(actors, a)
	}
	sort.Strings(actors)
	return actors
}

func conflictKind(ops []ot.Op) ConflictKind {
	for _, op := range ops {
		if op.Kind != ot.Format {
			return ConcurrentEdit
		}
	}
	return FormatCollision
}

// Detect scans a batch of operations for same-offset edits by different
// actors and returns one Conflict per implicated offset.
func Detect(batch []ot.Op) []Conflict {
	var conflicts []Conflict
	for pos, idxs := range groupByPos(batch) {
		if len(idxs) < 2 {
			continue
		}
		group := make([]ot.Op, len(idxs))
		for i, idx := range idxs {
			group[i] = batch[idx]
		}
		actors := participants(group)
		if len(actors) < 2 {
			continue
		}
		conflicts = append(conflicts, Conflict{
			ID:           uuid.NewString(),
			Kind:         conflictKind(group),
			Pos:          pos,
			Participants: actors,
			DetectedAt:   time.Now(),
		})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Pos < conflicts[j].Pos })
	return conflicts
}
