package core

// AllStatusCodes is every automation status the platform is known to report.
// The retrieval filter is built from it, so a status code added upstream and
// missing here is silently excluded from the sync.
var AllStatusCodes = []int{-1, 0, 1, 2, 3, 4, 5, 6, 7, 8}

var statusLabels = map[int]string{
	-1: "Error",
	0:  "BuildingError",
	1:  "Building",
	2:  "Ready",
	3:  "Running",
	4:  "Paused",
	5:  "Stopped",
	6:  "Scheduled",
	7:  "Awaiting Trigger",
	8:  "Inactive Trigger",
}

// StatusLabel maps an automation status code to its display label.
// Unknown codes map to the empty string.
func StatusLabel(status int) string {
	return statusLabels[status]
}
