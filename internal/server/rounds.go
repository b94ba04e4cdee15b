package server

import "sort"

// roundState tracks one round's progress. All sets are keyed by
// ParticipantKey so reconnects and duplicate tabs count once.
type roundState struct {
	active       map[string]struct{}
	submissions  map[string]struct{}
	resultsReady map[string]struct{}
	completed    bool
	expected     int
}

func newRoundState() *roundState {
	return &roundState{
		active:       make(map[string]struct{}),
		submissions:  make(map[string]struct{}),
		resultsReady: make(map[string]struct{}),
	}
}

// roundTracker owns per-round progress for a room. It is pure state: the
// room actor is the only goroutine that touches it, and it never performs
// I/O or broadcasting itself.
type roundTracker struct {
	rounds map[int]*roundState
}

func newRoundTracker() *roundTracker {
	return &roundTracker{rounds: make(map[int]*roundState)}
}

func (t *roundTracker) get(n int) *roundState {
	rs, ok := t.rounds[n]
	if !ok {
		rs = newRoundState()
		t.rounds[n] = rs
	}
	return rs
}

// roundStart resets a round for a fresh run-through. The caller is marked
// active and the expected count is ratcheted up, never down.
func (t *roundTracker) roundStart(n int, key string, roomWideExpected int) {
	rs := t.get(n)
	rs.submissions = make(map[string]struct{})
	rs.resultsReady = make(map[string]struct{})
	rs.completed = false
	rs.active[key] = struct{}{}

	expected := rs.expected
	if len(rs.active) > expected {
		expected = len(rs.active)
	}
	if roomWideExpected > expected {
		expected = roomWideExpected
	}
	rs.expected = expected
}

type submissionResult struct {
	SubmittedCount int
	TotalPlayers   int
	CompletedNow   bool
}

// submit records a participant's submission. The second submission for the
// same round, or any submission after completion, is inert (applied=false).
func (t *roundTracker) submit(n int, key string, uniqueParticipants int) (submissionResult, bool) {
	rs := t.get(n)
	if rs.completed {
		return submissionResult{}, false
	}
	if _, dup := rs.submissions[key]; dup {
		return submissionResult{}, false
	}

	rs.active[key] = struct{}{}
	rs.submissions[key] = struct{}{}

	res := submissionResult{
		SubmittedCount: len(rs.submissions),
		TotalPlayers:   totalPlayers(len(rs.active), len(rs.submissions), uniqueParticipants),
	}
	if res.SubmittedCount >= res.TotalPlayers {
		rs.completed = true
		// Late submissions for a completed round must be inert, so the
		// set is no longer needed.
		rs.submissions = make(map[string]struct{})
		res.CompletedNow = true
	}
	return res, true
}

type resultsReadyState struct {
	RoundNumber  int
	ReadyCount   int
	TotalPlayers int
}

// setResultsReady toggles a participant in the round's results-acknowledged
// set and returns the counts to broadcast.
func (t *roundTracker) setResultsReady(n int, key string, ready bool) resultsReadyState {
	rs := t.get(n)
	if ready {
		rs.resultsReady[key] = struct{}{}
	} else {
		delete(rs.resultsReady, key)
	}
	return t.resultsReadyCounts(n)
}

func (t *roundTracker) resultsReadyCounts(n int) resultsReadyState {
	rs := t.get(n)
	total := len(rs.active)
	if len(rs.resultsReady) > total {
		total = len(rs.resultsReady)
	}
	return resultsReadyState{RoundNumber: n, ReadyCount: len(rs.resultsReady), TotalPlayers: total}
}

type roundCompletion struct {
	RoundNumber    int
	SubmittedCount int
	TotalPlayers   int
}

// removeParticipant drops a key from every round. Rounds whose completion
// condition newly holds are returned, as are rounds whose results-ready
// counts changed, so the room can fire the matching broadcasts.
func (t *roundTracker) removeParticipant(key string, uniqueParticipants int) (completions []roundCompletion, readyChanged []resultsReadyState) {
	for _, n := range t.roundNumbers() {
		rs := t.rounds[n]

		_, wasActive := rs.active[key]
		_, hadSubmitted := rs.submissions[key]
		_, wasReady := rs.resultsReady[key]
		if !wasActive && !hadSubmitted && !wasReady {
			continue
		}

		delete(rs.active, key)
		delete(rs.submissions, key)
		delete(rs.resultsReady, key)

		if wasReady {
			readyChanged = append(readyChanged, t.resultsReadyCounts(n))
		}

		if rs.completed || len(rs.submissions) == 0 {
			continue
		}
		submitted := len(rs.submissions)
		total := totalPlayers(len(rs.active), submitted, uniqueParticipants)
		if submitted >= total {
			rs.completed = true
			rs.submissions = make(map[string]struct{})
			completions = append(completions, roundCompletion{
				RoundNumber:    n,
				SubmittedCount: submitted,
				TotalPlayers:   total,
			})
		}
	}
	return completions, readyChanged
}

func (t *roundTracker) roundNumbers() []int {
	nums := make([]int, 0, len(t.rounds))
	for n := range t.rounds {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums
}

func totalPlayers(activeSize, submittedCount, uniqueParticipants int) int {
	total := activeSize
	if submittedCount > total {
		total = submittedCount
	}
	if uniqueParticipants > total {
		total = uniqueParticipants
	}
	return total
}
