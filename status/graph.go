package status

import "sechat/models"

var edges = map[models.Status][]models.Status{
	models.StatusSending:   {models.StatusSent, models.StatusFailed, models.StatusDeleted},
	models.StatusSent:      {models.StatusDelivered, models.StatusFailed, models.StatusDeleted},
	models.StatusDelivered: {models.StatusRead, models.StatusDeleted},
}

// chain is the forward delivery path auto-promotion walks along.
var chain = []models.Status{
	models.StatusSending,
	models.StatusSent,
	models.StatusDelivered,
	models.StatusRead,
}

// CanTransition reports whether to is a direct successor of from.
func CanTransition(from, to models.Status) bool {
	return allowed(from, to)
}

func allowed(from, to models.Status) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func chainRank(s models.Status) (int, bool) {
	for i, step := range chain {
		if step == s {
			return i, true
		}
	}
	return 0, false
}
