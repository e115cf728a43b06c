package sheet

// Report summarizes what a merge did with the candidate.
type Report struct {
	// Applied counts data rows whose answer/source came from the candidate.
	Applied int `json:"applied"`
	// Repaired counts protected cells the candidate tried to change.
	Repaired int `json:"repaired"`
	// Dropped counts candidate rows past the end of the original.
	Dropped int `json:"dropped"`
	// Missing counts original rows the candidate did not supply; they are kept as they were.
	Missing int `json:"missing"`
}

// Merge aligns data rows by index and builds the corrected document: protected cells always
// come from original, answer and source from candidate. The output has exactly the original's
// rows and header.
func Merge(original, candidate Document) (Document, Report) {
	var rep Report
	out := Document{}
	if original.Header != nil {
		out.Header = append([]string(nil), original.Header...)
	}
	for i, orow := range original.Rows {
		base := pad(orow)
		if i >= len(candidate.Rows) {
			out.Rows = append(out.Rows, base)
			rep.Missing++
			continue
		}
		crow := pad(candidate.Rows[i])
		for _, col := range []int{ColID, ColQuestion} {
			if crow[col] != base[col] {
				rep.Repaired++
			}
			crow[col] = base[col]
		}
		out.Rows = append(out.Rows, crow)
		rep.Applied++
	}
	if extra := len(candidate.Rows) - len(original.Rows); extra > 0 {
		rep.Dropped = extra
	}
	return out, rep
}

// MergeText parses both sides and merges them. A candidate that cannot be tokenized leaves the
// original untouched and returns an error matching ErrMalformedCandidate.
func MergeText(originalText, candidateText string) (Document, Report, error) {
	original, err := ParseStored(originalText)
	if err != nil {
		return Document{}, Report{}, err
	}
	candidate, err := Parse(candidateText)
	if err != nil {
		return original, Report{}, err
	}
	merged, rep := Merge(original, candidate)
	return merged, rep, nil
}
