// Copyright (c) 2025 - for information on the respective copyright owner
// see the NOTICE file and/or the repository https://github.com/duelforge/matchcore.
//
// SPDX-License-Identifier: Apache-2.0
package matchmaking

// pair is a formed two-player match awaiting battle and delivery.
type pair struct {
	p1 PlayerCandidate
	p2 PlayerCandidate
}

// formPairs splits candidates into formed pairs and leftovers to requeue.
// Candidates arrive in pop order, lowest score first. The result is a
// deterministic function of the batch and the current widening step.
func (m *Matchmaker) formPairs(candidates []PlayerCandidate) ([]pair, []PlayerCandidate) {
	if len(candidates) < m.mode.RequiredPlayers {
		return nil, candidates
	}
	if m.mode.UsesMmrMatching {
		return m.formPairsByMMR(candidates)
	}
	return formPairsFIFO(candidates)
}

// formPairsFIFO pairs consecutive entries in popped order.
func formPairsFIFO(candidates []PlayerCandidate) ([]pair, []PlayerCandidate) {
	var pairs []pair
	i := 0
	for ; i+1 < len(candidates); i += 2 {
		pairs = append(pairs, pair{p1: candidates[i], p2: candidates[i+1]})
	}
	return pairs, candidates[i:]
}

// formPairsByMMR pairs adjacent entries of the score-sorted batch whose
// rating difference fits the acceptance window. Entries without a close
// enough neighbor are requeued and wait for the window to widen.
func (m *Matchmaker) formPairsByMMR(candidates []PlayerCandidate) ([]pair, []PlayerCandidate) {
	window := m.acceptanceWindow()
	var pairs []pair
	var leftovers []PlayerCandidate
	i := 0
	for i < len(candidates) {
		if i+1 >= len(candidates) {
			leftovers = append(leftovers, candidates[i])
			break
		}
		diff := candidates[i+1].Score - candidates[i].Score
		if diff < 0 {
			diff = -diff
		}
		if diff <= window {
			pairs = append(pairs, pair{p1: candidates[i], p2: candidates[i+1]})
			i += 2
			continue
		}
		leftovers = append(leftovers, candidates[i])
		i++
	}
	return pairs, leftovers
}

// acceptanceWindow widens with every tick that paired nobody and snaps back
// once a pair forms.
func (m *Matchmaker) acceptanceWindow() int64 {
	retries := int64(m.unmatchedTicks.Load())
	window := m.mode.MmrBaseWindow * (1 + retries)
	if m.mode.MmrWindowCap > 0 && window > m.mode.MmrWindowCap {
		window = m.mode.MmrWindowCap
	}
	return window
}
