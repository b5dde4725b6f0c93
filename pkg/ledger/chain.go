package ledger

import (
	"fmt"
	"sort"
)

// ChainReport summarizes a replay of an account's entries.
type ChainReport struct {
	Entries        int
	OpeningBalance Credits
	ClosingBalance Credits
	FirstSequence  int64
	LastSequence   int64
}

// VerifyChain replays creditsDelta over the opening balance in sequence order
// and checks that every balanceAfter matches. Entries may be passed in any
// order; they must all belong to one account and form a contiguous range.
func VerifyChain(entries []Entry) (ChainReport, error) {
	if len(entries) == 0 {
		return ChainReport{}, nil
	}
	ordered := append([]Entry(nil), entries...)
	sort.Slice(ordered, func(left, right int) bool {
		return ordered[left].Sequence < ordered[right].Sequence
	})
	first := ordered[0]
	opening := first.BalanceAfter.Int64() - first.CreditsDelta.Int64()
	if opening < 0 {
		return ChainReport{}, fmt.Errorf("%w: sequence %d implies negative opening balance %d", ErrBrokenChain, first.Sequence, opening)
	}
	running := opening
	for index, entry := range ordered {
		if entry.AccountID != first.AccountID {
			return ChainReport{}, fmt.Errorf("%w: sequence %d belongs to account %s", ErrBrokenChain, entry.Sequence, entry.AccountID)
		}
		if index > 0 && entry.Sequence != ordered[index-1].Sequence+1 {
			return ChainReport{}, fmt.Errorf("%w: gap between sequence %d and %d", ErrBrokenChain, ordered[index-1].Sequence, entry.Sequence)
		}
		running += entry.CreditsDelta.Int64()
		if running != entry.BalanceAfter.Int64() {
			return ChainReport{}, fmt.Errorf("%w: sequence %d expected balance %d, recorded %d", ErrBrokenChain, entry.Sequence, running, entry.BalanceAfter)
		}
	}
	last := ordered[len(ordered)-1]
	return ChainReport{
		Entries:        len(ordered),
		OpeningBalance: Credits(opening),
		ClosingBalance: last.BalanceAfter,
		FirstSequence:  first.Sequence,
		LastSequence:   last.Sequence,
	}, nil
}
