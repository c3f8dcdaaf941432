package channel

// Bus subject pairs for the two relay hops. Names are from the point of
// view of the traffic: page.out carries page-originated requests, bg.out
// carries background-originated replies and events.
const (
	SubjectPageOut = "sable.page.out"
	SubjectPageIn  = "sable.page.in"

	SubjectBackgroundIn  = "sable.bg.in"
	SubjectBackgroundOut = "sable.bg.out"
)
