package subscription

// Selector picks the subscribers a notification is delivered to.
type Selector[ID comparable] func(s Subscriber[ID]) bool

// All selects every subscriber.
func All[ID comparable]() Selector[ID] {
	return func(Subscriber[ID]) bool { return true }
}

// ByClient selects a single subscriber.
func ByClient[ID comparable](id ID) Selector[ID] {
	return func(s Subscriber[ID]) bool { return s.ID == id }
}

// MatchingListing selects subscribers holding an enabled subscription on
// queryURL whose keyword filters accept listingText.
func MatchingListing[ID comparable](queryURL, listingText string) Selector[ID] {
	if u, err := NormalizeURL(queryURL); err == nil {
		queryURL = u
	}
	return func(s Subscriber[ID]) bool {
		for _, sub := range s.Subscriptions {
			if sub.Enabled && sub.QueryURL == queryURL && sub.Accepts(listingText) {
				return true
			}
		}
		return false
	}
}
