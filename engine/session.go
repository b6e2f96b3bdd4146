// Package engine implements the per-participant reconciliation engine: the
// document state, the canonical operation log, the conflict detector, and the
// resolution protocol. Each participant owns an independent Session; sessions
// share nothing and reconcile remote operations locally.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/asadovsky/coedit/common"
	"github.com/asadovsky/coedit/hlc"
	"github.com/asadovsky/coedit/ot"
	"github.com/asadovsky/coedit/store"
)

const (
	// maxPending bounds the unacknowledged local-operation count. Older entries
	// are evicted, a lossy compaction accepted to bound memory.
	maxPending = 100
	// maxHistory bounds the canonical log window. Entries older than the window
	// are compacted into the base text; stragglers sorting before the window
	// are dropped.
	maxHistory = 100
	// maxSeen bounds the duplicate-suppression window.
	maxSeen = 512
	// maxDeferred bounds operations held back because they are parented off
	// broadcasts this session has not observed yet.
	maxDeferred = 64
	// maxAcked bounds the window of recently acknowledged local operations kept
	// for conflict detection against remote ops still in flight.
	maxAcked = 32

	autoSaveDelay   = time.Second
	manualSaveDelay = 5 * time.Second
)

// Sender broadcasts a wire message to the other participants. The channel is
// assumed to echo every message back to the sender; the echo confirms the
// round trip.
type Sender interface {
	Send(msg interface{}) error
}

// Cursor is a participant's last reported cursor, consumed only for conflict
// attribution.
type Cursor struct {
	Offset    int
	Selection *common.Selection
}

// SaveStatus reports the persistence state of the document.
type SaveStatus struct {
	Dirty  bool
	Saving bool
	Err    error
}

// entry is one broadcast operation integrated into the canonical log.
type entry struct {
	issued ot.Op // as broadcast; immutable
	canon  ot.Op // re-based against its canonical predecessors
	inv    ot.Op // inverse captured at the last fold
	acked  bool  // own entries: the echo has landed
	// ackSlot is the integrated count when the echo landed, for the conflict
	// concurrency window.
	ackSlot uint64
}

// undoOp derives the undo for an entry from its canonical form, so that
// positions stay valid after later operations shifted the entry. The captured
// inverse contributes only the removed text for deletions.
func undoOp(e *entry) ot.Op {
	switch e.canon.Kind {
	case ot.Insert:
		return ot.Op{Kind: ot.Delete, Pos: e.canon.Pos, Len: len(e.canon.Value)}
	case ot.Delete:
		return ot.Op{Kind: ot.Insert, Pos: e.canon.Pos, Value: e.inv.Value}
	default:
		// Markers have no buffer effect; undo is a no-op of the same shape.
		return ot.Op{Kind: ot.Format, Pos: e.canon.Pos}
	}
}

// keyLess is the canonical integration order: by Base, then actor id, then
// sequence number. The order is a linear extension of causality — anything a
// participant observed before issuing has a strictly smaller Base than the
// issued op, because integrating an op requires having observed at least Base
// broadcasts first — and it is derivable from each op alone. Replicas that
// receive the same broadcasts in any arrival order therefore build the same
// log, which is what makes the engine converge over an unordered channel.
func keyLess(a, b ot.Op) bool {
	if a.Base != b.Base {
		return a.Base < b.Base
	}
	if a.Actor != b.Actor {
		return a.Actor < b.Actor
	}
	return a.Seq < b.Seq
}

// Session is the reconciliation engine for one participant editing one
// document. All exported methods are safe for use from multiple goroutines;
// internally the session is a single-owner state machine guarded by one
// mutex, never by locks on shared cross-participant state.
type Session struct {
	mu     sync.Mutex
	docID  string
	actor  string
	clock  *hlc.Clock
	logger *slog.Logger

	// baseText is the fold checkpoint: everything compacted out of the log
	// window. buffer is always baseText plus the log's canonical forms applied
	// in order.
	baseText   string
	buffer     string
	version    uint64
	lastSynced string
	startedAt  time.Time

	seq uint64

	// log holds every integrated operation, own ops included, in keyLess
	// order. folded counts entries compacted into baseText; foldedKey is the
	// newest compacted entry's issued form.
	log       []*entry
	folded    uint64
	foldedKey *ot.Op

	deferred []ot.Op

	seen      map[string]bool
	seenOrder []string

	// Recently acknowledged local ops, kept so concurrent remote ops that
	// arrive after the echo still register a conflict.
	acked []*entry

	conflicts map[string]*Conflict
	cursors   map[string]Cursor
	lockedBy  string

	sender Sender

	st        store.Store
	autosave  bool
	saveDelay time.Duration
	saveTimer *time.Timer
	saveErr   error
	saving    bool

	closed bool
}

// NewSession creates a session for actor editing docID, starting from base.
func NewSession(docID, actor, base string) *Session {
	return &Session{
		docID:      docID,
		actor:      actor,
		clock:      hlc.New(),
		logger:     slog.Default(),
		baseText:   base,
		buffer:     base,
		lastSynced: base,
		startedAt:  time.Now(),
		seen:       make(map[string]bool),
		conflicts:  make(map[string]*Conflict),
		cursors:    make(map[string]Cursor),
		saveDelay:  manualSaveDelay,
	}
}

// AttachSender wires the broadcast channel for locally issued operations.
func (s *Session) AttachSender(snd Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = snd
}

// AttachStore wires the persistence collaborator. With autosave enabled the
// debounce window shrinks from ~5s to ~1s.
func (s *Session) AttachStore(st store.Store, autosave bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
	s.autosave = autosave
	s.saveDelay = manualSaveDelay
	if autosave {
		s.saveDelay = autoSaveDelay
	}
}

// SetSaveDelay overrides the debounce window.
func (s *Session) SetSaveDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveDelay = d
}

func (s *Session) SetLogger(l *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = l
}

func (s *Session) DocID() string { return s.docID }
func (s *Session) Actor() string { return s.actor }

func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

func (s *Session) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// PendingLen reports the number of unacknowledged local operations.
func (s *Session) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unackedLen()
}

func (s *Session) unackedLen() int {
	n := 0
	for _, e := range s.log {
		if e.issued.Actor == s.actor && !e.acked {
			n++
		}
	}
	return n
}

// integratedCount is the deferral watermark and the Base stamped on local
// edits: the number of operations this session has integrated, compacted
// entries included.
func (s *Session) integratedCount() uint64 {
	return s.folded + uint64(len(s.log))
}

// Insert issues a local insertion. The edit is applied optimistically, before
// any round trip, and the echo later confirms it.
func (s *Session) Insert(pos int, text string) ot.Op {
	return s.localEdit(ot.Op{Kind: ot.Insert, Pos: pos, Value: text})
}

// Delete issues a local deletion of n bytes starting at pos.
func (s *Session) Delete(pos, n int) ot.Op {
	return s.localEdit(ot.Op{Kind: ot.Delete, Pos: pos, Len: n})
}

// Format issues a formatting marker. It does not mutate the buffer but still
// participates in ordering and conflict analysis.
func (s *Session) Format(pos int, attr string) ot.Op {
	return s.localEdit(ot.Op{Kind: ot.Format, Pos: pos, Value: attr})
}

// Move issues a move marker from pos to to.
func (s *Session) Move(pos, to int) ot.Op {
	return s.localEdit(ot.Op{Kind: ot.Move, Pos: pos, To: to})
}

func (s *Session) localEdit(op ot.Op) ot.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	op = s.issueLocked(op)
	s.scheduleSave()
	return op
}

// issueLocked stamps, applies, logs, and broadcasts a local op. Its Base is
// this session's integrated count, which is strictly greater than the Base of
// every op already in the log, so the new entry lands at the log tail.
func (s *Session) issueLocked(op ot.Op) ot.Op {
	s.seq++
	base := s.integratedCount()
	// Eviction can leave the count below the tail's Base; keep the new key the
	// largest so the log stays sorted.
	if n := len(s.log); n > 0 && s.log[n-1].issued.Base >= base {
		base = s.log[n-1].issued.Base + 1
	}
	op.Actor, op.Seq, op.Time, op.Base = s.actor, s.seq, s.clock.Now(), base

	e := &entry{issued: op, canon: op}
	s.log = append(s.log, e)
	var inv ot.Op
	s.buffer, inv, _ = ot.Apply(s.buffer, op)
	e.inv = inv
	s.version++

	if s.unackedLen() > maxPending {
		// Lossy compaction: the oldest unacknowledged op is forgotten. If its
		// echo still lands, it is reintegrated from the wire copy.
		s.evictOldestUnacked()
	}
	s.compact()

	if s.sender != nil {
		if err := s.sender.Send(common.FromOp(s.docID, op)); err != nil {
			s.logger.Warn("broadcast failed", "doc", s.docID, "op", op.Encode(), "err", err)
		}
	}
	return op
}

func (s *Session) evictOldestUnacked() {
	for i, e := range s.log {
		if e.issued.Actor == s.actor && !e.acked {
			s.log = append(s.log[:i], s.log[i+1:]...)
			for j := i; j < len(s.log); j++ {
				s.recompute(j)
			}
			s.refold()
			s.version++
			return
		}
	}
}

// Receive reconciles a batch of operations delivered by the channel. Echoes
// of this session's own operations confirm round trips; remote operations are
// integrated into the canonical log at their keyLess position, which may be
// in the middle when the channel reordered delivery — later entries are then
// re-derived and the buffer refolded. Duplicates are dropped. A single bad
// operation never fails the batch.
func (s *Session) Receive(batch ...ot.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	var incoming []*entry
	for _, op := range batch {
		incoming = s.receiveOne(op, incoming)
	}
	// Ops parented off broadcasts we had not yet observed may be ready now.
	for progress := true; progress; {
		progress = false
		rest := s.deferred[:0]
		for _, op := range s.deferred {
			if op.Base <= s.integratedCount() {
				incoming = s.receiveOne(op, incoming)
				progress = true
			} else {
				rest = append(rest, op)
			}
		}
		s.deferred = rest
	}

	if len(incoming) > 0 {
		s.detectConflicts(incoming)
		s.scheduleSave()
	}
}

func (s *Session) receiveOne(op ot.Op, incoming []*entry) []*entry {
	if op.Actor == s.actor {
		s.receiveEcho(op)
		return incoming
	}
	key := seenKey(op.Actor, op.Seq)
	if s.seen[key] {
		return incoming
	}
	if op.Base > s.integratedCount() {
		if len(s.deferred) >= maxDeferred {
			s.logger.Warn("deferred queue full, dropping op", "doc", s.docID, "op", op.Encode())
			return incoming
		}
		s.deferred = append(s.deferred, op)
		return incoming
	}
	s.markSeen(key)
	s.clock.Update(op.Time)

	if s.foldedKey != nil && !keyLess(*s.foldedKey, op) {
		s.logger.Warn("dropping op older than the log window",
			"doc", s.docID, "op", op.Encode(), "actor", op.Actor)
		return incoming
	}
	e := s.integrate(op)
	s.version++
	return append(incoming, e)
}

func (s *Session) receiveEcho(op ot.Op) {
	key := seenKey(op.Actor, op.Seq)
	if s.seen[key] {
		return
	}
	s.markSeen(key)
	for _, e := range s.log {
		if e.issued.Actor == s.actor && e.issued.Seq == op.Seq {
			e.acked = true
			e.ackSlot = s.integratedCount()
			s.rememberAcked(e)
			return
		}
	}
	// The entry was evicted before the echo landed; reintegrate the wire copy
	// so this replica stays aligned with everyone who applied the broadcast.
	if s.foldedKey != nil && !keyLess(*s.foldedKey, op) {
		return
	}
	e := s.integrate(op)
	e.acked = true
	e.ackSlot = s.integratedCount()
	s.rememberAcked(e)
	s.version++
}

func (s *Session) rememberAcked(e *entry) {
	s.acked = append(s.acked, e)
	if len(s.acked) > maxAcked {
		s.acked = s.acked[1:]
	}
}

// integrate inserts op at its canonical position, re-derives every entry from
// there on, and refolds the buffer.
func (s *Session) integrate(op ot.Op) *entry {
	i := sort.Search(len(s.log), func(j int) bool { return keyLess(op, s.log[j].issued) })
	e := &entry{issued: op}
	s.log = append(s.log, nil)
	copy(s.log[i+1:], s.log[i:])
	s.log[i] = e
	for j := i; j < len(s.log); j++ {
		s.recompute(j)
	}
	s.refold()
	s.compact()
	return e
}

// recompute re-derives the canonical form of log[idx]: the issued form
// transformed past every entry between its Base and its position, skipping
// the issuer's own entries (already accounted for on the issuing side). The
// result is a pure function of the issued op and the log prefix, so every
// replica derives the same form regardless of arrival order.
func (s *Session) recompute(idx int) {
	e := s.log[idx]
	op := e.issued
	start := 0
	if op.Base > s.folded {
		start = int(op.Base - s.folded)
	}
	if start > idx {
		start = idx
	}
	for j := start; j < idx; j++ {
		h := s.log[j]
		if h.issued.Actor == op.Actor {
			continue
		}
		_, op = ot.Transform(h.canon, op)
	}
	if op.Pos < 0 || (op.Kind == ot.Delete && op.Len < 0) {
		// Transform contradiction: neutralize the entry but keep its log slot,
		// so positions derived by other replicas stay aligned.
		s.logger.Warn("dropping irreconcilable op", "doc", s.docID,
			"op", e.issued.Encode(), "actor", e.issued.Actor)
		op = ot.Op{Kind: ot.Format, Actor: e.issued.Actor, Seq: e.issued.Seq, Base: e.issued.Base}
	}
	e.canon = op
}

// refold rebuilds the buffer from the base text and the log's canonical
// forms, refreshing each entry's inverse.
func (s *Session) refold() {
	buf := s.baseText
	for _, e := range s.log {
		var inv ot.Op
		buf, inv, _ = ot.Apply(buf, e.canon)
		e.inv = inv
	}
	s.buffer = buf
}

// compact folds entries beyond the window into the base text. Own
// unacknowledged entries are never folded; their echo still has to find them.
func (s *Session) compact() {
	for len(s.log) > maxHistory {
		front := s.log[0]
		if front.issued.Actor == s.actor && !front.acked {
			return
		}
		s.baseText, _, _ = ot.Apply(s.baseText, front.canon)
		k := front.issued
		s.foldedKey = &k
		s.folded++
		s.log = s.log[1:]
	}
}

func seenKey(actor string, seq uint64) string {
	return fmt.Sprintf("%s/%d", actor, seq)
}

func (s *Session) markSeen(key string) {
	s.seen[key] = true
	s.seenOrder = append(s.seenOrder, key)
	if len(s.seenOrder) > maxSeen {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

// detectConflicts runs the same-offset heuristic over the unacknowledged
// local entries, the operations integrated in this pass, and recently
// acknowledged local ops still concurrent with the batch. Detection is
// idempotent: an open conflict for the same offset and participant set is
// never duplicated.
func (s *Session) detectConflicts(incoming []*entry) {
	var union []*entry
	for _, e := range s.log {
		if e.issued.Actor == s.actor && !e.acked {
			union = append(union, e)
		}
	}
	union = append(union, incoming...)
	// Acknowledged local ops are still concurrent with a remote op whose base
	// precedes the count their echo landed at.
	for _, e := range s.acked {
		for _, in := range incoming {
			if in.issued.Base <= e.ackSlot {
				union = append(union, e)
				break
			}
		}
	}

	ops := make([]ot.Op, len(union))
	for i, e := range union {
		ops[i] = e.issued
	}

	for pos, idxs := range groupByPos(ops) {
		if len(idxs) < 2 {
			continue
		}
		group := make([]ot.Op, len(idxs))
		for i, idx := range idxs {
			group[i] = ops[idx]
		}
		actors := participants(group)
		if len(actors) < 2 {
			continue
		}
		c := &Conflict{
			Kind:         conflictKind(group),
			Pos:          pos,
			Participants: actors,
			DetectedAt:   time.Now(),
			InSelection:  s.inSelection(pos, actors),
		}
		if s.openConflictExists(c.key()) {
			continue
		}
		c.ID = newConflictID()
		for _, idx := range idxs {
			if union[idx].issued.Actor == s.actor {
				c.local = append(c.local, union[idx])
			} else {
				c.remote = append(c.remote, union[idx])
			}
		}
		s.conflicts[c.ID] = c
		s.logger.Info("conflict detected",
			"doc", s.docID, "id", c.ID, "kind", c.Kind.String(), "pos", pos, "participants", actors)
	}
}

func (s *Session) openConflictExists(key string) bool {
	for _, c := range s.conflicts {
		if !c.Resolved && c.key() == key {
			return true
		}
	}
	return false
}

func (s *Session) inSelection(pos int, actors []string) bool {
	for _, a := range actors {
		cur, ok := s.cursors[a]
		if !ok || cur.Selection == nil {
			continue
		}
		if pos >= cur.Selection.Start && pos < cur.Selection.End {
			return true
		}
	}
	return false
}

// Conflicts returns the active (unresolved) conflicts, oldest first.
func (s *Session) Conflicts() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conflict
	for _, c := range s.conflicts {
		if !c.Resolved {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Resolve settles a conflict. keep_local undoes the implicated remote
// operations; keep_remote undoes the implicated local operations; merge keeps
// both sides as applied. Undos are issued as ordinary local edits, so they
// broadcast and every replica converges on the resolved text. Resolution is
// terminal: a resolved conflict is removed from the active set and cannot be
// re-opened. Unknown ids and double resolution are hard errors.
func (s *Session) Resolve(id string, r Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conflicts[id]
	if !ok {
		return fmt.Errorf("unknown conflict id %q", id)
	}
	if c.Resolved {
		return fmt.Errorf("conflict %q already resolved", id)
	}

	switch r {
	case KeepLocal:
		for i := len(c.remote) - 1; i >= 0; i-- {
			s.issueUndo(c.remote[i])
		}
	case KeepRemote:
		for i := len(c.local) - 1; i >= 0; i-- {
			s.issueUndo(c.local[i])
		}
	case Merge:
		// Both sides are already applied in position order.
	default:
		return fmt.Errorf("unknown resolution %d", int(r))
	}

	c.Resolved, c.Resolution = true, r
	s.logger.Info("conflict resolved", "doc", s.docID, "id", id, "resolution", r.String())
	s.scheduleSave()
	return nil
}

func (s *Session) issueUndo(e *entry) {
	u := undoOp(e)
	switch u.Kind {
	case ot.Delete:
		if u.Len == 0 {
			return
		}
	case ot.Insert:
		if u.Value == "" {
			return
		}
	default:
		return
	}
	s.issueLocked(u)
}

// UpdateCursor records a participant's cursor, consumed only for conflict
// attribution display.
func (s *Session) UpdateCursor(actor string, offset int, sel *common.Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[actor] = Cursor{Offset: offset, Selection: sel}
}

// SetLocked toggles the advisory editor lock and broadcasts the change. The
// lock discourages concurrent typing; nothing enforces it.
func (s *Session) SetLocked(locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if locked {
		s.lockedBy = s.actor
	} else {
		s.lockedBy = ""
	}
	if s.sender != nil {
		msg := common.Lock{Type: "lock", DocID: s.docID, ActorID: s.actor, Locked: locked}
		if err := s.sender.Send(msg); err != nil {
			s.logger.Warn("lock broadcast failed", "doc", s.docID, "err", err)
		}
	}
}

// LockedBy returns the actor holding the advisory lock, or "".
func (s *Session) LockedBy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedBy
}

// HandleRaw decodes a wire message from the channel and dispatches it.
// Malformed operations are logged and skipped, never fatal.
func (s *Session) HandleRaw(buf []byte) error {
	msg, err := common.Decode(buf)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *common.Operation:
		if m.DocID != s.docID {
			return nil
		}
		op, err := m.Op()
		if err != nil {
			s.logger.Warn("malformed operation", "doc", s.docID, "err", err)
			return nil
		}
		s.Receive(op)
	case *common.CursorMove:
		if m.DocID == s.docID {
			s.UpdateCursor(m.ActorID, m.Offset, m.Selection)
		}
	case *common.Lock:
		if m.DocID == s.docID {
			s.applyLock(m)
		}
	case *common.Snapshot:
		if m.DocID == s.docID {
			s.AdoptSnapshot(m.Text)
		}
	}
	return nil
}

func (s *Session) applyLock(m *common.Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Locked {
		s.lockedBy = m.ActorID
	} else if s.lockedBy == m.ActorID {
		s.lockedBy = ""
	}
}

// AdoptSnapshot replaces the base text. It is a no-op once the session has
// applied any operation; it exists for joiners receiving the relay's stored
// copy before editing.
func (s *Session) AdoptSnapshot(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version > 0 || len(s.log) > 0 {
		return
	}
	s.baseText = text
	s.buffer = text
	s.lastSynced = text
}

// Status reports dirty/saving/error state for the save badge.
func (s *Session) Status() SaveStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SaveStatus{
		Dirty:  s.buffer != s.lastSynced,
		Saving: s.saving,
		Err:    s.saveErr,
	}
}

// scheduleSave arms the debounced auto-save. Caller holds s.mu.
func (s *Session) scheduleSave() {
	if s.st == nil || s.closed {
		return
	}
	if s.saveTimer == nil {
		s.saveTimer = time.AfterFunc(s.saveDelay, s.saveNow)
	} else {
		s.saveTimer.Reset(s.saveDelay)
	}
}

func (s *Session) saveNow() {
	s.mu.Lock()
	if s.closed || s.st == nil {
		s.mu.Unlock()
		return
	}
	buf := s.buffer
	s.saving = true
	st := s.st
	docID := s.docID
	s.mu.Unlock()

	err := st.Save(context.Background(), docID, buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving = false
	s.saveErr = err
	if err != nil {
		// Surfaced via Status and retried on the next debounce tick; a save
		// failure never blocks editing.
		s.logger.Warn("save failed", "doc", docID, "err", err)
		return
	}
	s.lastSynced = buf
}

// Flush saves synchronously and returns the save error, if any.
func (s *Session) Flush() error {
	s.mu.Lock()
	if s.st == nil {
		s.mu.Unlock()
		return nil
	}
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.mu.Unlock()

	s.saveNow()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveErr
}

// Close tears the session down: the save timer stops and the log, pending
// operations and active conflicts are cleared unconditionally. No
// partial-session state survives; rejoining requires a fresh resync.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	// Stores that keep a recent-sessions list get this session appended.
	if sl, ok := s.st.(interface {
		LogSession(context.Context, string, store.SessionInfo) error
	}); ok {
		info := store.SessionInfo{Actor: s.actor, StartedAt: s.startedAt, EndedAt: time.Now()}
		if err := sl.LogSession(context.Background(), s.docID, info); err != nil {
			s.logger.Warn("session log failed", "doc", s.docID, "err", err)
		}
	}
	s.log = nil
	s.deferred = nil
	s.acked = nil
	s.conflicts = make(map[string]*Conflict)
	s.cursors = make(map[string]Cursor)
}
