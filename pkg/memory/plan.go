package memory

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

const DefaultDedupThreshold = 0.92

// PlanOptions tunes Plan.
type PlanOptions struct {
	DedupThreshold float64
	Policy         Policy
}

// SemanticKey identifies a fact independent of casing, spacing and trailing
// punctuation.
func SemanticKey(userID, slot, text string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(normalizeSlot(slot)))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(NormalizeText(text)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ItemID derives a time-sortable id from the source time and semantic key,
// so replanning the same batch yields the same ids.
func ItemID(at time.Time, semanticKey string) string {
	seed := blake3.Sum256([]byte(semanticKey))
	var ms uint64
	if at.UnixMilli() > 0 {
		ms = ulid.Timestamp(at)
	}
	return ulid.MustNew(ms, bytes.NewReader(seed[:])).String()
}

func normalizeSlot(slot string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(slot)), "/")
}

// revisionKey keys a slot value that returns after being superseded. It
// folds in the head it replaces so the store keeps it apart from the older
// item with the same text.
func revisionKey(key, supersedes string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(key))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(supersedes))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Plan is the pure consolidation step. Given a batch of events in seq order,
// extractor candidates and the prior memory snapshot, it returns the items to
// append. Candidates are processed in source seq order. A candidate is
// dropped when it states what an active item already says, either by semantic
// key or by text at least DedupThreshold similar (within its slot, or against
// any active item when unslotted). A surviving candidate in an occupied slot
// supersedes the slot's current head, including when it restores a value the
// slot held earlier.
func Plan(userID string, sessionID int64, batch []Event, candidates []Candidate, prior []MemoryItem, opts PlanOptions) []MemoryItem {
	if len(batch) == 0 || len(candidates) == 0 {
		return nil
	}
	threshold := opts.DedupThreshold
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	policy := opts.Policy
	if policy == nil {
		policy = NewDefaultPolicy()
	}

	events := append([]Event(nil), batch...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	seqFrom, seqTo := events[0].Seq, events[len(events)-1].Seq
	bySeq := make(map[int64]Event, len(events))
	for _, ev := range events {
		bySeq[ev.Seq] = ev
	}

	ordered := append([]Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return effectiveSeq(ordered[i], seqTo) < effectiveSeq(ordered[j], seqTo)
	})

	stored := make(map[string]struct{}, len(prior))
	for _, it := range prior {
		stored[it.SemanticKey] = struct{}{}
	}
	active := Active(prior)
	current := make(map[string]struct{}, len(active))
	slotHead := map[string]int{}
	for i, it := range active {
		current[SemanticKey(userID, it.Slot, it.Text)] = struct{}{}
		if it.Slot != "" {
			slotHead[it.Slot] = i
		}
	}

	var out []MemoryItem
	for _, c := range ordered {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		slot := normalizeSlot(c.Slot)
		conf := c.Confidence
		if conf <= 0 {
			conf = 0.6
		}
		if conf > 1 {
			conf = 1
		}
		if conf < policy.MinConfidence(slot) {
			continue
		}

		base := SemanticKey(userID, slot, text)
		if _, ok := current[base]; ok {
			continue
		}
		if duplicateActive(active, slot, text, threshold) {
			continue
		}
		key := base
		supersedes := ""
		if idx, ok := slotHead[slot]; ok && slot != "" {
			supersedes = active[idx].ID
		}
		if _, ok := stored[key]; ok {
			if supersedes == "" {
				continue
			}
			key = revisionKey(base, supersedes)
			if _, ok := stored[key]; ok {
				continue
			}
		}

		src, ok := bySeq[c.SourceSeq]
		from, to := c.SourceSeq, c.SourceSeq
		if !ok {
			src = events[len(events)-1]
			from, to = seqFrom, seqTo
		}
		title := strings.TrimSpace(c.Title)
		if title == "" {
			title = defaultTitle(slot, text)
		}

		item := MemoryItem{
			ID:              ItemID(src.CreatedAt, key),
			UserID:          userID,
			Slot:            slot,
			Title:           title,
			Text:            text,
			SourceSessionID: sessionID,
			SourceSeqFrom:   from,
			SourceSeqTo:     to,
			CreatedAt:       src.CreatedAt,
			Confidence:      conf,
			Weight:          1,
			SemanticKey:     key,
			Supersedes:      supersedes,
		}
		if idx, ok := slotHead[slot]; ok && slot != "" {
			delete(current, SemanticKey(userID, active[idx].Slot, active[idx].Text))
			active[idx] = item
		} else {
			if slot != "" {
				slotHead[slot] = len(active)
			}
			active = append(active, item)
		}
		current[base] = struct{}{}
		stored[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

func effectiveSeq(c Candidate, fallback int64) int64 {
	if c.SourceSeq > 0 {
		return c.SourceSeq
	}
	return fallback
}

// duplicateActive compares a slotted candidate with its own slot and an
// unslotted one with every active item, since a free-form clause often
// restates a slotted fact.
func duplicateActive(active []MemoryItem, slot, text string, threshold float64) bool {
	for _, it := range active {
		if slot != "" && it.Slot != slot {
			continue
		}
		if Similarity(it.Text, text) >= threshold {
			return true
		}
	}
	return false
}

func defaultTitle(slot, text string) string {
	if slot != "" {
		parts := strings.Split(slot, "/")
		last := strings.ReplaceAll(parts[len(parts)-1], "_", " ")
		if last != "" {
			return strings.ToUpper(last[:1]) + last[1:]
		}
	}
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

// Active returns the current view of a memory set: for each slot, the most
// recent item, plus every unslotted item, minus anything superseded. The
// result is ordered by creation time.
func Active(items []MemoryItem) []MemoryItem {
	superseded := map[string]struct{}{}
	for _, it := range items {
		if it.Supersedes != "" {
			superseded[it.Supersedes] = struct{}{}
		}
	}

	heads := map[string]MemoryItem{}
	var out []MemoryItem
	for _, it := range items {
		if _, gone := superseded[it.ID]; gone {
			continue
		}
		if it.Slot == "" {
			out = append(out, it)
			continue
		}
		if cur, ok := heads[it.Slot]; !ok || newer(it, cur) {
			heads[it.Slot] = it
		}
	}
	for _, it := range heads {
		out = append(out, it)
	}
	SortItems(out)
	return out
}

func newer(a, b MemoryItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	if a.SourceSeqTo != b.SourceSeqTo {
		return a.SourceSeqTo > b.SourceSeqTo
	}
	return a.ID > b.ID
}

// SortItems orders items by creation time, then id.
func SortItems(items []MemoryItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
