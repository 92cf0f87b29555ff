package metrics

// #region attachment
// AttachmentScores counts head and label agreement between predicted and gold parses.
// Scores are fractions in [0, 1].
type AttachmentScores struct {
	unlabeledCorrect float64
	labeledCorrect   float64
	tokens           float64
	unlabeledExact   float64
	labeledExact     float64
	sentences        float64
}

// Add scores one sentence. mask marks real tokens; all slices share its length.
func (a *AttachmentScores) Add(predHeads, predLabels, goldHeads, goldLabels []int, mask []int) {
	uExact, lExact := true, true
	for i := range mask {
		if mask[i] == 0 {
			continue
		}
		headOK := predHeads[i] == goldHeads[i]
		labelOK := headOK && predLabels[i] == goldLabels[i]
		if headOK {
			a.unlabeledCorrect++
		} else {
			uExact = false
		}
		if labelOK {
			a.labeledCorrect++
		} else {
			lExact = false
		}
		a.tokens++
	}
	a.sentences++
	if uExact {
		a.unlabeledExact++
	}
	if lExact {
		a.labeledExact++
	}
}

// Metrics returns UAS, LAS, UEM and LEM, clearing the counters when reset is set.
func (a *AttachmentScores) Metrics(reset bool) Metrics {
	m := Metrics{
		"UAS": ratio(a.unlabeledCorrect, a.tokens),
		"LAS": ratio(a.labeledCorrect, a.tokens),
		"UEM": ratio(a.unlabeledExact, a.sentences),
		"LEM": ratio(a.labeledExact, a.sentences),
	}
	if reset {
		*a = AttachmentScores{}
	}
	return m
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// #endregion
