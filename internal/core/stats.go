package core

// KindStats is the waiting pool of one kind, lane by lane
type KindStats struct {
	Kind  Kind  `json:"kind"`
	Lanes []int `json:"lanes"`
}

// Waiting is the number of clients waiting in all lanes
func (k KindStats) Waiting() int {
	total := 0
	for _, n := range k.Lanes {
		total += n
	}
	return total
}

// Stats is a read-only snapshot for presence reporting
type Stats struct {
	Kinds            []KindStats `json:"kinds"`
	ActiveSessions   int         `json:"active_sessions"`
	ConnectedClients int         `json:"connected_clients"`
}
