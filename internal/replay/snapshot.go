package replay

// Snapshot is the persisted checkpoint of a session and the unit of resume.
// Its JSON form must round-trip without loss.
type Snapshot struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Symbol         string     `json:"symbol"`
	Timeframe      string     `json:"timeframe"`
	StartDate      int64      `json:"startDate"`
	EndDate        int64      `json:"endDate"`
	Created        int64      `json:"created"`
	LastUpdated    int64      `json:"lastUpdated"`
	Positions      []Position `json:"positions"`
	Balance        float64    `json:"balance"`
	InitialBalance float64    `json:"initialBalance"`
	Cursor         int64      `json:"cursor,omitempty"`
}

// Clone deep-copies the position list.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Positions = clonePositions(s.Positions)
	if out.Positions == nil {
		out.Positions = []Position{}
	}
	return out
}

// Saver receives snapshots whenever positions or balance change. Save must
// not block the replay loop.
type Saver interface {
	Save(Snapshot)
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(Snapshot)

func (f SaverFunc) Save(s Snapshot) { f(s) }
