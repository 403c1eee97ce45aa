package stream

import "time"

type journalEntry struct {
	seq   uint64
	at    time.Time
	frame Frame
}

// journal keeps the most recent frames of one thread for resume. Every
// frame with floor < seq <= last is retained, so a client whose last seen
// sequence falls in [floor, last] can be replayed without gaps.
type journal struct {
	limit   int
	ttl     time.Duration
	entries []journalEntry
	floor   uint64
	last    uint64
}

func newJournal(limit int, ttl time.Duration, baseline uint64) *journal {
	return &journal{limit: limit, ttl: ttl, floor: baseline, last: baseline}
}

func (j *journal) append(seq uint64, f Frame, now time.Time) {
	j.last = seq
	j.entries = append(j.entries, journalEntry{seq: seq, at: now, frame: f})
	j.prune(now)
}

func (j *journal) prune(now time.Time) {
	drop := 0
	for drop < len(j.entries) {
		over := len(j.entries)-drop > j.limit
		expired := j.ttl > 0 && now.Sub(j.entries[drop].at) > j.ttl
		if !over && !expired {
			break
		}
		j.floor = j.entries[drop].seq
		drop++
	}
	if drop > 0 {
		j.entries = append(j.entries[:0:0], j.entries[drop:]...)
	}
}

func (j *journal) canReplay(seq uint64) bool {
	return seq >= j.floor && seq <= j.last
}

func (j *journal) since(seq uint64) []Frame {
	var out []Frame
	for _, e := range j.entries {
		if e.seq > seq {
			out = append(out, e.frame)
		}
	}
	return out
}

func (j *journal) empty() bool {
	return len(j.entries) == 0
}
