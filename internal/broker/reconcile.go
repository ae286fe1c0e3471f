package broker

// ChangeKind classifies one reconciliation difference
type ChangeKind string

const (
	// ChangeAdded means the broker holds a position the local view lacked
	ChangeAdded ChangeKind = "added"
	// ChangeRemoved means a locally open position is gone at the broker
	ChangeRemoved ChangeKind = "removed"
	// ChangeUpdated means volume or protective levels drifted
	ChangeUpdated ChangeKind = "updated"
)

// Change is one difference between the local and broker position views.
// The broker side is authoritative; Local is kept for the audit record.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	Ticket string     `json:"ticket"`
	Local  *Position  `json:"local,omitempty"`
	Broker *Position  `json:"broker,omitempty"`
}

// DiffPositions compares the local view against the broker's report.
// Returns the changes needed to make local match broker.
func DiffPositions(local, remote []*Position) []Change {
	localByTicket := make(map[string]*Position, len(local))
	for _, p := range local {
		localByTicket[p.Ticket] = p
	}

	changes := []Change{}
	seen := make(map[string]bool, len(remote))

	for _, rp := range remote {
		seen[rp.Ticket] = true
		lp, ok := localByTicket[rp.Ticket]
		if !ok {
			changes = append(changes, Change{Kind: ChangeAdded, Ticket: rp.Ticket, Broker: rp})
			continue
		}
		if positionDrifted(lp, rp) {
			changes = append(changes, Change{Kind: ChangeUpdated, Ticket: rp.Ticket, Local: lp, Broker: rp})
		}
	}

	for _, lp := range local {
		if !seen[lp.Ticket] {
			changes = append(changes, Change{Kind: ChangeRemoved, Ticket: lp.Ticket, Local: lp})
		}
	}

	return changes
}

func positionDrifted(local, remote *Position) bool {
	const eps = 1e-9
	return absDiff(local.Volume, remote.Volume) > eps ||
		absDiff(local.StopLoss, remote.StopLoss) > eps ||
		absDiff(local.TakeProfit, remote.TakeProfit) > eps
}

func absDiff(a, b float64) float64 {
	d := a - b
	if d < 0 {
		return -d
	}
	return d
}
