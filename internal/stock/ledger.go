package stock

import (
	"context"
	"sort"
	"time"
)

// EntryKind tags the source family of a ledger entry.
type EntryKind string

const (
	EntryKindPurchase    EntryKind = "PURCHASE"
	EntryKindUsage       EntryKind = "USAGE"
	EntryKindMutationIn  EntryKind = "MUTATION_IN"
	EntryKindMutationOut EntryKind = "MUTATION_OUT"
)

// LedgerEntry is one row of the reconstructed stock card for a
// (subject, item) pair. In/Out are small units; Opening and Closing are
// filled by the running-balance sweep.
type LedgerEntry struct {
	Date        time.Time `json:"date"`
	Kind        EntryKind `json:"kind"`
	Description string    `json:"description"`
	RefID       int64     `json:"ref_id"`
	In          float64   `json:"in"`
	Out         float64   `json:"out"`
	Opening     float64   `json:"opening"`
	Closing     float64   `json:"closing"`

	seq int
}

// HistoryFilter selects the card to rebuild.
type HistoryFilter struct {
	SubjectID int64
	ItemID    int64
	From      time.Time
	To        time.Time
}

// sweepRunningBalance sorts the merged entries chronologically (stable
// insertion-order tiebreak for same-day entries) and carries one
// continuous balance across the whole sequence. The balance is never
// reset per lot or per source group; resetting produced wrong opening
// balances whenever several lots for the same item coexisted.
func sweepRunningBalance(entries []LedgerEntry) []LedgerEntry {
	out := make([]LedgerEntry, len(entries))
	copy(out, entries)
	for i := range out {
		out[i].seq = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].seq < out[j].seq
	})

	running := 0.0
	for i := range out {
		out[i].Opening = running
		running += out[i].In - out[i].Out
		out[i].Closing = running
	}
	return out
}

// clipToRange drops swept entries outside [from, to]. Entries before
// the range still contributed to the opening balances of what remains.
func clipToRange(entries []LedgerEntry, from, to time.Time) []LedgerEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if !from.IsZero() && e.Date.Before(from) {
			continue
		}
		if !to.IsZero() && e.Date.After(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// BuildHistory merges purchase, usage, and mutation events for one
// (subject, item) pair into a chronological card with opening and
// closing balances. The repository supplies raw rows dated and ordered
// by source; the sweep happens here, after the full merge, so balances
// stay continuous across lots. When a From date is set, earlier events
// are still swept so openings inside the window are correct, then
// clipped from the result.
func (s *Service) BuildHistory(ctx context.Context, filter HistoryFilter) ([]LedgerEntry, error) {
	if filter.SubjectID == 0 || filter.ItemID == 0 {
		return nil, ErrInvalidQuantity
	}
	raw, err := s.repo.CollectLedgerRows(ctx, filter.SubjectID, filter.ItemID, filter.To)
	if err != nil {
		return nil, err
	}
	swept := sweepRunningBalance(raw)
	return clipToRange(swept, filter.From, filter.To), nil
}
