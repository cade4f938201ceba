package bookkeeper

// Snapshot is the serializable form of the ledger for checkpointing.
type Snapshot struct {
	Funds     map[string]Balance             `json:"funds"`
	Positions map[string]map[string]Position `json:"positions"`
}

// Snapshot copies the full ledger state.
func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{
		Funds:     make(map[string]Balance, len(l.funds)),
		Positions: make(map[string]map[string]Position, len(l.positions)),
	}
	for user, b := range l.funds {
		s.Funds[user] = *b
	}
	for user, ms := range l.positions {
		dst := make(map[string]Position, len(ms))
		for market, p := range ms {
			dst[market] = *p
		}
		s.Positions[user] = dst
	}
	return s
}

// FromSnapshot rebuilds a ledger from a checkpointed snapshot.
func FromSnapshot(s Snapshot) *Ledger {
	l := NewLedger()
	for user, b := range s.Funds {
		cp := b
		l.funds[user] = &cp
	}
	for user, ms := range s.Positions {
		dst := make(map[string]*Position, len(ms))
		for market, p := range ms {
			cp := p
			dst[market] = &cp
		}
		l.positions[user] = dst
	}
	return l
}
