package prune

const gateSampleSize = 5

// CheckGate compares expected and verified backups for the whole run and
// returns nil only when both counts match exactly.
func CheckGate(targets TargetSet, success SuccessMap, bodyRecords []string, bodies BodySet) *GateError {
	g := &GateError{
		ExpectedPayloads: targets.Total(),
		ExpectedBodies:   len(bodyRecords),
	}
	for _, t := range targets {
		for _, p := range t.Payloads {
			if success.Has(t.RecordID, p.ID) {
				g.SavedPayloads++
			} else if len(g.MissingPayloads) < gateSampleSize {
				g.MissingPayloads = append(g.MissingPayloads, t.RecordID+":"+p.ID)
			}
		}
	}
	for _, id := range bodyRecords {
		if bodies.Has(id) {
			g.SavedBodies++
		} else if len(g.MissingBodies) < gateSampleSize {
			g.MissingBodies = append(g.MissingBodies, id)
		}
	}
	if g.SavedPayloads == g.ExpectedPayloads && g.SavedBodies == g.ExpectedBodies {
		return nil
	}
	return g
}
